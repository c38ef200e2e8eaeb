package pathutil

import (
	"os"
	"strings"
)

// ExpandTilde resolves a bare ~ or a leading ~/ against $HOME. ~user forms
// are returned unchanged, as is everything when $HOME is unset. Used for
// user-supplied db and archive paths from config and flags.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return path
	}
	return home + path[1:]
}
