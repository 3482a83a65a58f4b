package command

import "strings"

// Placeholder marks where a write value is substituted into a command.
const Placeholder = "$value$"

// Template is a command split around its substitution points. A template
// with at least one substitution point is a write command.
type Template struct {
	raw      string
	segments []string
}

// ParseTemplate splits a command once so rendering never rescans the text.
func ParseTemplate(s string) Template {
	return Template{raw: s, segments: strings.Split(s, Placeholder)}
}

// IsWrite reports whether the template contains a substitution point.
func (t Template) IsWrite() bool {
	return len(t.segments) > 1
}

// Render substitutes value at every substitution point.
func (t Template) Render(value string) string {
	return strings.Join(t.segments, value)
}

// String returns the command as configured.
func (t Template) String() string {
	return t.raw
}
