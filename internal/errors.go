package internal

import "fmt"

// ConfigurationError aborts a build before any source is read.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SourceLoadError means a source file could not be retrieved or opened.
type SourceLoadError struct {
	SourceID string
	Location string
	Err      error
}

func (e *SourceLoadError) Error() string {
	return fmt.Sprintf("source %s: load %s: %v", e.SourceID, e.Location, e.Err)
}

func (e *SourceLoadError) Unwrap() error { return e.Err }

// SourceFormatError means a single row could not be tokenized per the
// declared format.
type SourceFormatError struct {
	SourceID string
	Line     int
	Raw      string
	Err      error
}

func (e *SourceFormatError) Error() string {
	return fmt.Sprintf("source %s: line %d: %v", e.SourceID, e.Line, e.Err)
}

func (e *SourceFormatError) Unwrap() error { return e.Err }

type NormalizationError struct {
	SourceID string
	Line     int
	Raw      string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("source %s: line %d: %s", e.SourceID, e.Line, e.Reason)
}

// IOError is raised when an artifact cannot be written.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
