package tracking

import "strings"

// Palette lists the display colors a source may take, in the order new
// sources are assigned them.
var Palette = []string{
	"red", "green", "blue", "magenta", "cyan",
	"orange", "pink", "grey", "violet", "yellow",
}

// ValidColor reports whether c names a palette color, ignoring case.
func ValidColor(c string) bool {
	c = strings.ToLower(c)
	for _, p := range Palette {
		if p == c {
			return true
		}
	}
	return false
}

// PaletteColor returns the palette entry for index i, wrapping around.
func PaletteColor(i int) string {
	if i < 0 {
		i = -i
	}
	return Palette[i%len(Palette)]
}
