package commands

import (
	"strings"

	"github.com/uhppoted/db-to-sheets/config"
	"github.com/uhppoted/db-to-sheets/workbook"
)

const APP = "db-to-sheets"

func target(c *config.Config) workbook.Ref {
	return workbook.Ref{
		Drive:     c.Target.Drive,
		Worksheet: c.Target.Worksheet,
		Table:     c.Target.Table,
	}
}

func normalise(v string) string {
	return strings.ToLower(strings.ReplaceAll(v, " ", ""))
}
