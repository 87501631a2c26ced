package invoice

import (
	"time"

	"github.com/zombor/invoice-bridge/internal/scanning"
)

// Push outcomes recorded in the journal
const (
	PushCreated  = "created"
	PushRejected = "rejected"
	PushFailed   = "failed"
)

// PushRequest is the body of the push entrypoint
type PushRequest struct {
	InvoiceData   *scanning.Invoice `json:"invoiceData"`
	SupplierGUID  string            `json:"supplierGuid"`
	GLAccountGUID string            `json:"glAccountGuid"`
	Journal       string            `json:"journal,omitempty"`
}

// PushRecord is the audit entry written for every attempted push.
// It is a log of outcomes, not a store of invoices.
type PushRecord struct {
	ID             string    `json:"id"`
	InvoiceNumber  string    `json:"invoice_number,omitempty"`
	Supplier       string    `json:"supplier"`
	Journal        string    `json:"journal"`
	Division       int       `json:"division"`
	Lines          int       `json:"lines"`
	Amount         float64   `json:"amount"`
	Status         string    `json:"status"`
	ProviderStatus int       `json:"provider_status,omitempty"`
	EntryID        string    `json:"entry_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
