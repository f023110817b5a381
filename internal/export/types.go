// Package export renders pages as HTML, Markdown or PDF.
package export

import (
	"errors"
)

type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// ParseFormat accepts the format names used in query strings.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatHTML, FormatMarkdown, FormatPDF:
		return Format(value), nil
	case "md":
		return FormatMarkdown, nil
	case "":
		return FormatHTML, nil
	}
	return "", ErrUnsupportedFormat
}

// Request contains parameters for an export operation.
type Request struct {
	PageID          string
	Version         string // empty for the current content, else a history hash
	Format          Format
	IncludeComments bool
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrContentUnavailable   = errors.New("export content unavailable")
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
