package scanning

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

func ctx() context.Context {
	return context.Background()
}

// fakeRunner records the invocation and writes the txt output tesseract would produce
type fakeRunner struct {
	name   string
	args   []string
	output string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.name = name
	f.args = args
	if f.err != nil {
		return nil, []byte(f.stderr), f.err
	}
	if err := os.WriteFile(args[1]+".txt", []byte(f.output), 0o600); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

var _ = Describe("Tesseract", func() {
	var (
		runner  *fakeRunner
		ocr     *Tesseract
		tmpDir  string
		outBase string
		text    string
		err     error
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		outBase = filepath.Join(tmpDir, "scan.ocr")
		runner = &fakeRunner{output: "Invoice   INV-1\r\n\r\n\r\n\r\nTotal:\t250.00\n"}
		ocr = NewTesseractWithRunner(TesseractConfig{}, runner)
	})

	JustBeforeEach(func() {
		text, err = ocr.Recognize(ctx(), filepath.Join(tmpDir, "scan.png"), outBase)
	})

	When("recognition succeeds", func() {
		It("should invoke tesseract with the fixed English mode", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(runner.name).To(Equal("tesseract"))
			Expect(runner.args).To(Equal([]string{
				filepath.Join(tmpDir, "scan.png"), outBase,
				"--oem", "1", "--psm", "4", "-l", "eng", "txt",
			}))
		})

		It("should return normalized text", func() {
			Expect(text).To(Equal("Invoice INV-1\n\nTotal: 250.00"))
		})

		It("should leave the output file where the caller expects it", func() {
			Expect(outBase + ".txt").To(BeARegularFile())
		})
	})

	When("the process fails", func() {
		BeforeEach(func() {
			runner.err = errors.New("exit status 1")
			runner.stderr = "Error opening data file eng.traineddata"
		})

		It("should return an UpstreamUnavailable error carrying stderr", func() {
			Expect(errors.Is(err, upstream.ErrUnavailable)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("eng.traineddata"))
		})
	})
})

var _ = Describe("Rasterize", func() {
	It("should pass PNG images through untouched", func() {
		data := tinyPNG()
		out, mime, err := Rasterize(data, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(mime).To(Equal("image/png"))
		Expect(out).To(Equal(data))
	})

	It("should sniff a missing content type", func() {
		_, mime, err := Rasterize(tinyPNG(), "")
		Expect(err).NotTo(HaveOccurred())
		Expect(mime).To(Equal("image/png"))
	})

	It("should strip content type parameters", func() {
		_, mime, err := Rasterize([]byte("jpeg-bytes"), "IMAGE/JPEG; charset=binary")
		Expect(err).NotTo(HaveOccurred())
		Expect(mime).To(Equal("image/jpeg"))
	})

	It("should hand HEIC uploads to the HEIC decoder only", func() {
		_, _, err := Rasterize(tinyPNG(), "image/heic")
		Expect(err).To(MatchError(ContainSubstring("decoding HEIC/HEIF image")))
	})

	It("should reject non-image documents", func() {
		_, _, err := Rasterize([]byte("hello"), "text/plain")
		Expect(err).To(MatchError(ContainSubstring("unsupported document type")))
	})
})
