package commands

const (
	_var = "/usr/local/var/com.github.uhppoted/db-to-sheets"

	DEFAULT_WORKDIR = _var

	BROWSER = "open"
)
