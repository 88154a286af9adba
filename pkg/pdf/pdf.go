// Package pdf turns HTML documents into PDF bytes.
//
// The only Engine shipped is ChromedpEngine, which drives a local or remote
// headless Chrome over the DevTools protocol and calls Page.printToPDF.
package pdf

import (
	"context"
)

// Engine converts a complete HTML document to PDF.
type Engine interface {
	Print(ctx context.Context, html string) ([]byte, error)
	Close() error
}

// PaperSize in millimeters.
type PaperSize struct {
	Width  float64
	Height float64
}

var (
	PaperA4     = PaperSize{Width: 210, Height: 297}
	PaperLetter = PaperSize{Width: 215.9, Height: 279.4}
)

// PaperByName resolves a configured paper name, falling back to A4.
func PaperByName(name string) PaperSize {
	switch name {
	case "letter", "Letter", "LETTER":
		return PaperLetter
	default:
		return PaperA4
	}
}

func mmToInches(mm float64) float64 {
	return mm / 25.4
}
