package extraction

import (
	"errors"
	"fmt"
)

// Common extraction errors
var (
	// ErrOverloaded is returned when the extraction backend signals a
	// transient overload (rate limit or server error). The caller retries
	// on the fixed backoff schedule and defers the page afterwards.
	ErrOverloaded = errors.New("extraction service overloaded")

	// ErrUnsupportedFormat is returned when the document cannot be turned
	// into page images. The whole document is routed to the failed store.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrInvalidResponse is returned when the backend reply cannot be
	// parsed into raw invoice payloads.
	ErrInvalidResponse = errors.New("invalid extraction response")

	// ErrEmptyDocument is returned when a document yields no page images.
	ErrEmptyDocument = errors.New("document has no pages")
)

// Error wraps extraction failures with the operation and document context.
type Error struct {
	Op      string
	Err     error
	File    string
	Page    int
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("extraction: %s failed for %s page %d: %s: %v", e.Op, e.File, e.Page, e.Details, e.Err)
	}
	return fmt.Sprintf("extraction: %s failed for %s page %d: %v", e.Op, e.File, e.Page, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
