package embedded

import (
	_ "embed"
	"strings"
)

//go:embed menu.txt
var menu string

// Menu returns the loader command menu, one entry per line.
func Menu() []string {
	return strings.Split(strings.TrimRight(menu, "\n"), "\n")
}
