package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-bridge/internal/accounting"
	"github.com/zombor/invoice-bridge/internal/invoice"
	"github.com/zombor/invoice-bridge/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("invoice-bridge")
	var (
		port        = fs.IntLong("port", 3001, "HTTP server port")
		tmpDir      = fs.StringLong("tmp-dir", "./tmp", "Scratch directory for uploads and OCR output")
		journalPath = fs.StringLong("journal-db", "invoice-bridge.db", "Push journal database file path")
		_           = fs.StringLong("config", "", "Config file (key value per line)")

		extractorType = fs.StringLong("extractor", "llama", "Extraction backend: 'llama' or 'gemini'")
		llamaURL      = fs.StringLong("llama-base-url", "http://127.0.0.1:8080", "OpenAI-compatible inference server base URL")
		llamaKey      = fs.StringLong("llama-api-key", "", "Bearer key for the inference server (optional)")
		llamaModel    = fs.StringLong("llama-model", "local", "Model name sent to the inference server")
		geminiKey     = fs.StringLong("gemini-api-key", "", "Google Gemini API key")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")

		ocrType       = fs.StringLong("ocr", "tesseract", "OCR backend: 'tesseract' or 'vision'")
		tesseractBin  = fs.StringLong("tesseract-bin", "tesseract", "Tesseract binary")
		tesseractLang = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		tesseractPSM  = fs.IntLong("tesseract-psm", 4, "Tesseract page segmentation mode")
		tesseractOEM  = fs.IntLong("tesseract-oem", 1, "Tesseract OCR engine mode")
		visionCreds   = fs.StringLong("vision-credentials", "", "Google Cloud credentials file for Vision OCR (optional)")

		triageKeywords = fs.StringLong("triage-keywords", strings.Join(scanning.DefaultKeywords, ","), "Comma separated keywords marking important OCR lines")
		triageMaxChars = fs.IntLong("triage-max-chars", scanning.DefaultMaxChars, "Maximum characters of OCR text sent to the model")

		pipelineTimeout    = fs.DurationLong("pipeline-timeout", 60*time.Second, "Deadline for one document run")
		extractAttempts    = fs.IntLong("extract-attempts", 2, "Extraction attempts when the inference server is unreachable")
		maxConcurrentScans = fs.IntLong("max-concurrent-scans", 2, "Documents processed at the same time")

		exactBaseURL      = fs.StringLong("exact-base-url", "https://start.exactonline.nl", "Exact Online base URL")
		exactClientID     = fs.StringLong("exact-client-id", "", "Exact Online OAuth client id")
		exactClientSecret = fs.StringLong("exact-client-secret", "", "Exact Online OAuth client secret")
		exactRedirectURI  = fs.StringLong("exact-redirect-uri", "", "OAuth redirect URI, e.g. http://localhost:3001/auth/exact/callback")
		tokenTimeout      = fs.DurationLong("token-timeout", 10*time.Second, "Deadline for a token exchange or refresh")
		pushTimeout       = fs.DurationLong("push-timeout", 30*time.Second, "Deadline for pushing one invoice")
		defaultJournal    = fs.StringLong("default-journal", accounting.DefaultJournal, "Purchase journal code used when a push names none")

		corsOrigin = fs.StringLong("cors-origin", "http://localhost:5173", "Allowed CORS origin")
		authUser   = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass   = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel   = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat  = fs.StringLong("log-format", "text", "Log format: text or json")
		_          = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVars(),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize push journal
	slog.Info("Initializing push journal...", "path", *journalPath)
	db, err := invoice.NewBoltDB(*journalPath)
	if err != nil {
		slog.Error("Failed to initialize push journal", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize extractor based on type
	var extractor scanning.Extractor
	switch *extractorType {
	case "llama":
		slog.Info("Initializing chat completions extractor...", "url", *llamaURL, "model", *llamaModel)
		extractor, err = scanning.NewChatCompletions(*llamaURL, *llamaModel, *llamaKey)
	case "gemini":
		if *geminiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-api-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor, err = scanning.NewGemini(ctx, *geminiKey, *geminiModel)
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "llama or gemini")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	// Initialize OCR based on type
	var recognizer scanning.Recognizer
	switch *ocrType {
	case "tesseract":
		slog.Info("Initializing tesseract OCR...", "binary", *tesseractBin, "lang", *tesseractLang)
		recognizer = scanning.NewTesseract(scanning.TesseractConfig{
			Binary: *tesseractBin,
			Lang:   *tesseractLang,
			PSM:    *tesseractPSM,
			OEM:    *tesseractOEM,
		})
	case "vision":
		slog.Info("Initializing Cloud Vision OCR...")
		vision, err := scanning.NewVision(ctx, *visionCreds)
		if err != nil {
			slog.Error("Failed to initialize Cloud Vision", "error", err)
			os.Exit(1)
		}
		defer vision.Close()
		recognizer = vision
	default:
		slog.Error("Invalid OCR type", "type", *ocrType, "valid", "tesseract or vision")
		os.Exit(1)
	}

	// Initialize scratch storage
	store, err := invoice.NewLocalStorage(*tmpDir)
	if err != nil {
		slog.Error("Failed to initialize scratch storage", "error", err)
		os.Exit(1)
	}

	// Initialize accounting connection
	client := accounting.NewClient(*exactBaseURL)
	vault := accounting.NewVault(accounting.VaultConfig{
		BaseURL:         *exactBaseURL,
		ClientID:        *exactClientID,
		ClientSecret:    *exactClientSecret,
		RedirectURL:     *exactRedirectURI,
		ExchangeTimeout: *tokenTimeout,
	}, client)
	if *exactClientID == "" || *exactRedirectURI == "" {
		slog.Warn("Exact Online OAuth is not configured; pushes are disabled until --exact-client-id and --exact-redirect-uri are set")
	}

	// Initialize service
	service := invoice.NewService(invoice.Config{
		PipelineTimeout:    *pipelineTimeout,
		PushTimeout:        *pushTimeout,
		ExtractAttempts:    *extractAttempts,
		MaxConcurrentScans: int64(*maxConcurrentScans),
		MaxChars:           *triageMaxChars,
		DefaultJournal:     *defaultJournal,
	}, invoice.Deps{
		Recognizer: recognizer,
		Extractor:  extractor,
		Triage:     scanning.NewTriage(splitList(*triageKeywords)),
		Storage:    store,
		Vault:      vault,
		Ledger:     client,
		DB:         db,
	})

	// Initialize server
	basicAuth := invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := invoice.NewServer(service, basicAuth, *corsOrigin)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}

// setupLogging installs the default slog logger on stderr
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
