//go:build !linux && !darwin

package commands

const (
	_var = "./var"

	DEFAULT_WORKDIR = _var

	BROWSER = ""
)
