package descriptor

import "fmt"

// InvalidError reports a descriptor missing required fields or carrying
// out-of-range values.
type InvalidError struct {
	Identifier string
	Reason     string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid descriptor %q: %s", e.Identifier, e.Reason)
}

func (e *InvalidError) ErrorKind() string { return "invalid_descriptor" }

// ParseError reports an entry of a stream that is not a descriptor at all.
type ParseError struct {
	Origin string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Origin, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }
func (e *ParseError) ErrorKind() string {
	return "parse_error"
}

// TransientIOError reports raw bytes that could not be read after every
// retry. Re-ingesting the document later may succeed.
type TransientIOError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("read %s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *TransientIOError) Unwrap() error     { return e.Err }
func (e *TransientIOError) ErrorKind() string { return "transient_io" }

// UnreadableError reports raw bytes that cannot be read at all, such as a
// missing file.
type UnreadableError struct {
	Path string
	Err  error
}

func (e *UnreadableError) Error() string     { return fmt.Sprintf("read %s: %v", e.Path, e.Err) }
func (e *UnreadableError) Unwrap() error     { return e.Err }
func (e *UnreadableError) ErrorKind() string { return "unreadable" }

// ExtractionError reports raw bytes whose text could not be extracted.
type ExtractionError struct {
	Identifier string
	Format     string
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s text from %q: %v", e.Format, e.Identifier, e.Err)
}

func (e *ExtractionError) Unwrap() error     { return e.Err }
func (e *ExtractionError) ErrorKind() string { return "extraction_failed" }
