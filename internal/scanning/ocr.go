package scanning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const tesseractOp = "tesseract"

// Runner abstracts process execution so the OCR engine can be stubbed in tests
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// TesseractConfig selects the binary and recognition mode
type TesseractConfig struct {
	Binary string
	Lang   string
	PSM    int
	OEM    int
}

// Tesseract implements the Recognizer interface with the tesseract CLI
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
}

// NewTesseract creates a Tesseract recognizer that executes the real binary
func NewTesseract(cfg TesseractConfig) *Tesseract {
	return NewTesseractWithRunner(cfg, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract recognizer with a custom runner for testing
func NewTesseractWithRunner(cfg TesseractConfig, runner Runner) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if cfg.PSM == 0 {
		cfg.PSM = 4
	}
	if cfg.OEM == 0 {
		cfg.OEM = 1
	}
	return &Tesseract{cfg: cfg, runner: runner}
}

// Recognize runs tesseract in txt mode, which writes outBase + ".txt"
func (t *Tesseract) Recognize(ctx context.Context, imagePath, outBase string) (string, error) {
	args := []string{
		imagePath,
		outBase,
		"--oem", strconv.Itoa(t.cfg.OEM),
		"--psm", strconv.Itoa(t.cfg.PSM),
		"-l", t.cfg.Lang,
		"txt",
	}

	slog.Debug("Running OCR", "binary", t.cfg.Binary, "args", args)
	_, stderr, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		return "", upstream.Unavailable(tesseractOp, fmt.Errorf("%w: %s", err, truncate(string(stderr), 500)))
	}

	text, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", upstream.Unavailable(tesseractOp, fmt.Errorf("reading OCR output: %w", err))
	}

	return normalizeOCRText(string(text)), nil
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// normalizeOCRText unifies line endings and collapses runs of whitespace
func normalizeOCRText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
