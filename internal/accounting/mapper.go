package accounting

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-bridge/internal/scanning"
)

const (
	// DefaultJournal is the purchase journal code used when none is chosen
	DefaultJournal = "70"

	totalLineDescription = "Invoice total"
	entryDateLayout      = "2006-01-02T15:04:05"
)

// PurchaseEntry is the payload of the PurchaseEntries endpoint
type PurchaseEntry struct {
	Journal            string              `json:"Journal"`
	Supplier           string              `json:"Supplier"`
	InvoiceNumber      string              `json:"InvoiceNumber,omitempty"`
	InvoiceDate        string              `json:"InvoiceDate,omitempty"`
	DueDate            string              `json:"DueDate,omitempty"`
	PurchaseEntryLines []PurchaseEntryLine `json:"PurchaseEntryLines"`
}

// PurchaseEntryLine is one ledger line of a purchase entry
type PurchaseEntryLine struct {
	AmountFC    float64 `json:"AmountFC"`
	Description string  `json:"Description"`
	GLAccount   string  `json:"GLAccount"`
}

// ToPurchaseEntry maps an extracted invoice onto a purchase entry booked
// against a single supplier and ledger account. Every item becomes one line.
// Without items a non-null total becomes a single "Invoice total" line; with
// neither the entry has no lines and the accounting API decides.
func ToPurchaseEntry(inv *scanning.Invoice, supplier, ledger, journal string) (PurchaseEntry, error) {
	if inv == nil {
		return PurchaseEntry{}, &ValidationError{Field: "invoiceData", Message: "is required"}
	}
	supplier, err := requireGUID("supplierGuid", supplier)
	if err != nil {
		return PurchaseEntry{}, err
	}
	ledger, err = requireGUID("glAccountGuid", ledger)
	if err != nil {
		return PurchaseEntry{}, err
	}
	journal = strings.TrimSpace(journal)
	if journal == "" {
		journal = DefaultJournal
	}

	invoiceDate, err := entryDate("invoice_date", inv.InvoiceDate)
	if err != nil {
		return PurchaseEntry{}, err
	}
	dueDate, err := entryDate("due_date", inv.DueDate)
	if err != nil {
		return PurchaseEntry{}, err
	}

	lines := make([]PurchaseEntryLine, 0, len(inv.Items))
	for _, item := range inv.Items {
		var description string
		if item.Description != nil {
			description = *item.Description
		}
		lines = append(lines, PurchaseEntryLine{
			AmountFC:    item.Amount,
			Description: description,
			GLAccount:   ledger,
		})
	}
	if len(lines) == 0 && inv.Totals != nil && inv.Totals.Total != nil {
		lines = append(lines, PurchaseEntryLine{
			AmountFC:    *inv.Totals.Total,
			Description: totalLineDescription,
			GLAccount:   ledger,
		})
	}

	entry := PurchaseEntry{
		Journal:            journal,
		Supplier:           supplier,
		InvoiceDate:        invoiceDate,
		DueDate:            dueDate,
		PurchaseEntryLines: lines,
	}
	if inv.InvoiceNumber != nil {
		entry.InvoiceNumber = *inv.InvoiceNumber
	}
	return entry, nil
}

func requireGUID(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &ValidationError{Field: field, Message: "is required"}
	}
	if _, err := uuid.Parse(value); err != nil {
		return "", &ValidationError{Field: field, Message: "must be a GUID"}
	}
	return value, nil
}

// entryDate rewrites YYYY-MM-DD to the midnight timestamp the API expects.
// Null and empty dates stay empty so they are omitted from the payload.
func entryDate(field string, date *string) (string, error) {
	if date == nil || *date == "" {
		return "", nil
	}
	t, err := time.Parse(time.DateOnly, *date)
	if err != nil {
		return "", &ValidationError{Field: field, Message: "must be YYYY-MM-DD"}
	}
	return t.Format(entryDateLayout), nil
}
