package driver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"filedaq/command"
	"filedaq/config"
)

// Sample is one extracted value.
type Sample struct {
	VariableID string    `json:"variable"`
	Value      string    `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Variable is a configured variable with its command parsed once.
type Variable struct {
	ID         string
	Program    command.Program
	Template   command.Template
	Dictionary Dictionary
}

// NewVariable builds a Variable from its configuration.
func NewVariable(cfg config.VariableConfig) (*Variable, error) {
	prog, err := command.ParseProgram(cfg.GetProgram())
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", cfg.ID, err)
	}
	return &Variable{
		ID:         cfg.ID,
		Program:    prog,
		Template:   command.ParseTemplate(cfg.GetCommand()),
		Dictionary: Dictionary(cfg.Dictionary),
	}, nil
}

// Writable reports whether the variable's command takes a value.
func (v *Variable) Writable() bool {
	return v.Template.IsWrite()
}

// Dictionary maps integer codes to labels. Lookup is in configured order.
type Dictionary []config.DictionaryItem

// Label returns the label for code.
func (d Dictionary) Label(code int) (string, bool) {
	for _, item := range d {
		if item.Value == code {
			return item.Label, true
		}
	}
	return "", false
}

// Resolve returns the text substituted into a write command for value: the
// dictionary label for the value's integer form when there is one, else the
// value itself.
func (d Dictionary) Resolve(value interface{}) string {
	if code, ok := intCode(value); ok {
		if label, ok := d.Label(code); ok {
			return label
		}
	}
	return formatValue(value)
}

// formatValue renders a write value as command text. Integral floats are
// printed without a fraction so JSON numbers substitute cleanly.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return formatValue(float64(v))
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(value)
}

// intCode returns the integer form of value. Numeric types are truncated;
// strings must parse as integers.
func intCode(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		// Text must be an integer to select a label; "2.9" is written as is.
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return 0, false
}
