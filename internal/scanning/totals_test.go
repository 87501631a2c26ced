package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func tinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func ptr[T any](v T) *T {
	return &v
}

var _ = Describe("CheckTotals", func() {
	var (
		inv      *Invoice
		findings []string
	)

	JustBeforeEach(func() {
		findings = inv.CheckTotals()
	})

	When("the amounts add up", func() {
		BeforeEach(func() {
			inv = &Invoice{
				Totals: &Totals{Subtotal: ptr(0.1), Tax: ptr(0.2), Total: ptr(0.3)},
				Items:  []Item{{Amount: 0.05}, {Amount: 0.05}},
			}
		})

		It("should report nothing", func() {
			Expect(findings).To(BeEmpty())
		})
	})

	When("subtotal and tax do not match total", func() {
		BeforeEach(func() {
			inv = &Invoice{
				Totals: &Totals{Subtotal: ptr(200.0), Tax: ptr(42.0), Total: ptr(250.0)},
				Items:  []Item{},
			}
		})

		It("should report the mismatch", func() {
			Expect(findings).To(ConsistOf(ContainSubstring("200.00 + tax 42.00 != total 250.00")))
		})

		It("should not modify the invoice", func() {
			Expect(*inv.Totals.Total).To(Equal(250.0))
		})
	})

	When("the items match neither subtotal nor total", func() {
		BeforeEach(func() {
			inv = &Invoice{
				Totals: &Totals{Total: ptr(100.0)},
				Items:  []Item{{Amount: 30}, {Amount: 30}},
			}
		})

		It("should report the item sum", func() {
			Expect(findings).To(ConsistOf(ContainSubstring("60.00")))
		})
	})

	When("the items carry gross amounts", func() {
		BeforeEach(func() {
			inv = &Invoice{
				Totals: &Totals{Subtotal: ptr(100.0), Tax: ptr(21.0), Total: ptr(121.0)},
				Items:  []Item{{Amount: 121}},
			}
		})

		It("should accept them", func() {
			Expect(findings).To(BeEmpty())
		})
	})

	When("there are no totals", func() {
		BeforeEach(func() {
			inv = &Invoice{Items: []Item{{Amount: 1}}}
		})

		It("should report nothing", func() {
			Expect(findings).To(BeNil())
		})
	})
})
