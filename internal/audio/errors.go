package audio

import "fmt"

// DecodeError is returned when a file cannot be parsed as audio.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError is returned when the container, encoding or channel
// layout of a file is not handled by any available decoder.
type UnsupportedFormatError struct {
	Path   string
	Format string
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported format %q for %s", e.Format, e.Path)
	}
	return fmt.Sprintf("unsupported format %q for %s: %s", e.Format, e.Path, e.Reason)
}
