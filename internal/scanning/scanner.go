package scanning

import "context"

// Invoice is the structured record extracted from an invoice document.
// Every key is always emitted when serialized; unknown values are null.
type Invoice struct {
	InvoiceNumber *string `json:"invoice_number"`
	InvoiceDate   *string `json:"invoice_date"` // YYYY-MM-DD
	DueDate       *string `json:"due_date"`     // YYYY-MM-DD
	Vendor        *Vendor `json:"vendor"`
	Totals        *Totals `json:"totals"`
	Items         []Item  `json:"items"`
}

// Vendor identifies the issuer of the invoice
type Vendor struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
	VATID   *string `json:"vat_id"`
}

// Totals holds the invoice level amounts
type Totals struct {
	Subtotal *float64 `json:"subtotal"`
	Tax      *float64 `json:"tax"`
	Total    *float64 `json:"total"`
	Currency *string  `json:"currency"`
}

// Item is a single invoice line
type Item struct {
	Description *string  `json:"description"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unit_price"`
	Amount      float64  `json:"amount"`
}

// Document is the input of a single extraction call
type Document struct {
	// Image is the document raster sent alongside the text
	Image    []byte
	MimeType string
	// Text is the condensed OCR output
	Text string
}

// Extractor defines the interface for structured invoice extraction
type Extractor interface {
	// Extract asks the model for an invoice record. Failures are *upstream.Error.
	Extract(ctx context.Context, doc Document) (*Invoice, error)
	// Close closes the extractor and releases resources
	Close() error
}

// Recognizer runs optical character recognition over an image on disk
type Recognizer interface {
	// Recognize returns the plain text found in the image at imagePath.
	// Implementations that need an output file write it to outBase + ".txt".
	Recognize(ctx context.Context, imagePath, outBase string) (string, error)
}
