package accounting

import (
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-bridge/internal/scanning"
)

const (
	supplierGUID = "3f2504e0-4f89-11d3-9a0c-0305e82c3301"
	ledgerGUID   = "9b2c1a7e-0d44-4c55-8e2f-6a1b2c3d4e5f"
)

func ptr[T any](v T) *T {
	return &v
}

var _ = Describe("ToPurchaseEntry", func() {
	var (
		inv     *scanning.Invoice
		journal string
		entry   PurchaseEntry
		err     error
	)

	BeforeEach(func() {
		journal = ""
		inv = &scanning.Invoice{
			InvoiceNumber: ptr("INV-1"),
			InvoiceDate:   ptr("2024-01-15"),
			Items:         []scanning.Item{},
		}
	})

	JustBeforeEach(func() {
		entry, err = ToPurchaseEntry(inv, supplierGUID, ledgerGUID, journal)
	})

	When("there are no items but a total", func() {
		BeforeEach(func() {
			inv.Totals = &scanning.Totals{Total: ptr(150.00)}
		})

		It("should produce exactly one invoice total line", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.PurchaseEntryLines).To(Equal([]PurchaseEntryLine{
				{AmountFC: 150.00, Description: "Invoice total", GLAccount: ledgerGUID},
			}))
		})
	})

	When("there are three items", func() {
		BeforeEach(func() {
			inv.Totals = &scanning.Totals{Total: ptr(999.0)}
			inv.Items = []scanning.Item{
				{Description: ptr("Consulting"), Quantity: ptr(10.0), UnitPrice: ptr(80.0), Amount: 800},
				{Description: nil, Amount: 12.5},
				{Description: ptr("Travel"), Amount: -20},
			}
		})

		It("should produce exactly three lines", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.PurchaseEntryLines).To(HaveLen(3))
		})

		It("should attribute every line to the supplied ledger", func() {
			for _, line := range entry.PurchaseEntryLines {
				Expect(line.GLAccount).To(Equal(ledgerGUID))
			}
		})

		It("should carry amounts and descriptions in order", func() {
			Expect(entry.PurchaseEntryLines[0].AmountFC).To(Equal(800.0))
			Expect(entry.PurchaseEntryLines[0].Description).To(Equal("Consulting"))
			Expect(entry.PurchaseEntryLines[1].Description).To(BeEmpty())
			Expect(entry.PurchaseEntryLines[2].AmountFC).To(Equal(-20.0))
		})
	})

	When("there are neither items nor a total", func() {
		BeforeEach(func() {
			inv.Totals = &scanning.Totals{Currency: ptr("EUR")}
		})

		It("should produce zero lines that still serialize as an array", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.PurchaseEntryLines).To(BeEmpty())
			b, marshalErr := json.Marshal(entry)
			Expect(marshalErr).NotTo(HaveOccurred())
			Expect(string(b)).To(ContainSubstring(`"PurchaseEntryLines":[]`))
		})
	})

	When("totals are null", func() {
		BeforeEach(func() {
			inv.Totals = nil
		})

		It("should produce zero lines", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.PurchaseEntryLines).To(BeEmpty())
		})
	})

	Describe("header fields", func() {
		It("should default the journal", func() {
			Expect(entry.Journal).To(Equal("70"))
		})

		It("should anchor dates at midnight and omit null ones", func() {
			b, marshalErr := json.Marshal(entry)
			Expect(marshalErr).NotTo(HaveOccurred())
			Expect(b).To(MatchJSON(`{
				"Journal": "70",
				"Supplier": "` + supplierGUID + `",
				"InvoiceNumber": "INV-1",
				"InvoiceDate": "2024-01-15T00:00:00",
				"PurchaseEntryLines": []
			}`))
		})

		When("a journal is chosen", func() {
			BeforeEach(func() {
				journal = "80"
			})

			It("should use it", func() {
				Expect(entry.Journal).To(Equal("80"))
			})
		})

		When("the invoice number is null", func() {
			BeforeEach(func() {
				inv.InvoiceNumber = nil
				inv.DueDate = ptr("2024-02-14")
			})

			It("should omit it", func() {
				b, marshalErr := json.Marshal(entry)
				Expect(marshalErr).NotTo(HaveOccurred())
				Expect(string(b)).NotTo(ContainSubstring("InvoiceNumber"))
				Expect(entry.DueDate).To(Equal("2024-02-14T00:00:00"))
			})
		})
	})

	Describe("validation", func() {
		expectValidation := func(field string) {
			var validationErr *ValidationError
			ExpectWithOffset(1, errors.As(err, &validationErr)).To(BeTrue())
			ExpectWithOffset(1, validationErr.Field).To(Equal(field))
		}

		It("should reject a missing invoice", func() {
			_, err = ToPurchaseEntry(nil, supplierGUID, ledgerGUID, "")
			expectValidation("invoiceData")
		})

		It("should reject a missing supplier", func() {
			_, err = ToPurchaseEntry(inv, "", ledgerGUID, "")
			expectValidation("supplierGuid")
		})

		It("should reject a missing ledger", func() {
			_, err = ToPurchaseEntry(inv, supplierGUID, "  ", "")
			expectValidation("glAccountGuid")
		})

		It("should reject a ledger that is not a GUID", func() {
			_, err = ToPurchaseEntry(inv, supplierGUID, "4000", "")
			expectValidation("glAccountGuid")
		})

		It("should reject a malformed date", func() {
			inv.DueDate = ptr("14-02-2024")
			_, err = ToPurchaseEntry(inv, supplierGUID, ledgerGUID, "")
			expectValidation("due_date")
		})
	})
})
