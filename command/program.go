// Package command models the awk/sed invocations that read and edit a
// device's value file, and runs them as local processes.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// Program is the text-processing tool applied to the value file.
type Program string

const (
	ProgramAwk Program = "awk"
	ProgramSed Program = "sed"
)

// ErrUnknownProgram is returned by ParseProgram for anything but awk or sed.
var ErrUnknownProgram = errors.New("unknown program")

// ParseProgram converts a configured program name. Empty means awk.
func ParseProgram(s string) (Program, error) {
	switch p := Program(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ProgramAwk, nil
	case ProgramAwk, ProgramSed:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProgram, s)
}

func (p Program) String() string {
	return string(p)
}
