// Package export renders a story and its chapters as a downloadable PDF.
package export

import "errors"

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates the headless browser is unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
