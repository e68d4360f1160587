package commands

const (
	_var = "/usr/local/var/db-to-sheets"

	DEFAULT_WORKDIR = _var

	BROWSER = "xdg-open"
)
