package driver

import "errors"

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrNotWritable     = errors.New("variable is not writable")
	ErrNoValue         = errors.New("no value to write")
	ErrNotAccessible   = errors.New("device not accessible")
	ErrCommandFailed   = errors.New("command failed")
	ErrWriteBack       = errors.New("write-back failed")
)
