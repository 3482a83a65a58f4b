package command

import "github.com/alessio/shellescape"

// Compose builds the shell command line that runs program over path on a
// remote host.
func Compose(program Program, script, path string) string {
	return string(program) + " " + shellescape.Quote(script) + " " + shellescape.Quote(path)
}

// WriteBack builds the shell command line that replaces the contents of
// path with output verbatim: no trailing newline, no backslash escapes.
func WriteBack(output, path string) string {
	return "printf '%s' " + shellescape.Quote(output) + " > " + shellescape.Quote(path)
}
