package commands

import (
	"fmt"
)

// VERSION is set at build time with -ldflags "-X github.com/uhppoted/db-to-sheets/commands.VERSION=..."
var VERSION = "v0.1.x"

var VersionCmd = Version{}

// Version displays the db-to-sheets version information.
type Version struct {
}

func (c *Version) Name() string {
	return "version"
}

func (c *Version) Description() string {
	return "Displays the current version"
}

// Execute prints the current version
func (c *Version) Execute() error {
	fmt.Printf("%s\n", VERSION)

	return nil
}
