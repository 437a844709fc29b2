package logger

import "github.com/mattn/go-isatty"

// isTerminal reports whether the file descriptor is attached to a
// terminal, deciding whether colored output is worth emitting.
func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
