package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const logo = `
======================================================================
     _                      _ _
 ___(_)_ __   ___ __ _| | | ___ _ __
/ __| | '_ \ / __/ _` + "`" + ` | | |/ _ \ '__|
\__ \ | |_) | (_| (_| | | |  __/ |
|___/_| .__/ \___\__,_|_|_|\___|_|
      |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner on stdout.
func Print(title string, config []ConfigLine) {
	Fprint(os.Stdout, title, config)
}

// Fprint writes the banner with aligned configuration lines to w.
func Fprint(w io.Writer, title string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", title)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
