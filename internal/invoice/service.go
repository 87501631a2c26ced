package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/invoice-bridge/internal/accounting"
	"github.com/zombor/invoice-bridge/internal/scanning"
	"github.com/zombor/invoice-bridge/internal/upstream"
)

var (
	// ErrOverloaded means no pipeline slot freed up before the deadline
	ErrOverloaded = errors.New("too many documents are being processed")
	// ErrEmptyDocument means the upload carried no bytes
	ErrEmptyDocument = errors.New("uploaded document is empty")
	// ErrUnreadableDocument means the upload could not be turned into an image
	ErrUnreadableDocument = errors.New("uploaded document cannot be read")
)

// IDGenerator generates unique IDs for scratch files and journal records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Vault is the accounting connection the push flow authenticates with
type Vault interface {
	AuthorizationURL() (string, error)
	Connect(ctx context.Context, code string) (int, error)
	AccessToken(ctx context.Context) (string, error)
	Status() accounting.Status
}

// Ledger creates entries in the accounting system
type Ledger interface {
	CreatePurchaseEntry(ctx context.Context, accessToken string, division int, entry accounting.PurchaseEntry) (json.RawMessage, error)
}

// Config tunes the pipelines
type Config struct {
	// PipelineTimeout bounds one document run including the wait for a slot
	PipelineTimeout time.Duration
	// PushTimeout bounds token retrieval plus the push call
	PushTimeout time.Duration
	// ExtractAttempts is the number of tries when the inference server is unreachable
	ExtractAttempts int
	RetryBackoff    time.Duration
	// MaxConcurrentScans caps simultaneous OCR + extraction runs
	MaxConcurrentScans int64
	// MaxChars bounds the condensed OCR text
	MaxChars       int
	DefaultJournal string
}

func (c Config) withDefaults() Config {
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 60 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 30 * time.Second
	}
	if c.ExtractAttempts <= 0 {
		c.ExtractAttempts = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxConcurrentScans <= 0 {
		c.MaxConcurrentScans = 2
	}
	if c.MaxChars <= 0 {
		c.MaxChars = scanning.DefaultMaxChars
	}
	if c.DefaultJournal == "" {
		c.DefaultJournal = accounting.DefaultJournal
	}
	return c
}

// Deps are the collaborators of a Service. IDGenerator and TimeSource are optional.
type Deps struct {
	Recognizer  scanning.Recognizer
	Extractor   scanning.Extractor
	Triage      *scanning.Triage
	Storage     Storage
	Vault       Vault
	Ledger      Ledger
	DB          DB
	IDGenerator IDGenerator
	TimeSource  TimeSource
}

// Service sequences the document pipeline and the accounting push
type Service struct {
	cfg         Config
	recognizer  scanning.Recognizer
	extractor   scanning.Extractor
	triage      *scanning.Triage
	storage     Storage
	vault       Vault
	ledger      Ledger
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
	slots       *semaphore.Weighted
}

// NewService creates a new Service
func NewService(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:         cfg,
		recognizer:  deps.Recognizer,
		extractor:   deps.Extractor,
		triage:      deps.Triage,
		storage:     deps.Storage,
		vault:       deps.Vault,
		ledger:      deps.Ledger,
		db:          deps.DB,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
		slots:       semaphore.NewWeighted(cfg.MaxConcurrentScans),
	}
	if s.triage == nil {
		s.triage = scanning.NewTriage(nil)
	}
	if s.idGenerator == nil {
		s.idGenerator = uuidGenerator{}
	}
	if s.timeSource == nil {
		s.timeSource = defaultTimeSource{}
	}
	return s
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	// Keep only alphanumeric, hyphens and underscores
	reg := regexp.MustCompile(`[^a-zA-Z0-9\-_]+`)
	base = reg.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	if !regexp.MustCompile(`^\.[a-z0-9]{1,5}$`).MatchString(ext) {
		ext = ""
	}

	return base + ext
}

// imageExtensions maps the types Rasterize can return onto file extensions
var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/tiff": ".tiff",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// scratchName names the scratch copy after the upload, with the extension of
// the image actually written rather than the one uploaded
func scratchName(filename, mimeType string) string {
	name := sanitizeFilename(filename)
	ext, ok := imageExtensions[mimeType]
	if !ok {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

// ParseInvoice runs OCR, triage and extraction over one uploaded document.
// The scratch copy and the OCR output are removed on every exit path.
func (s *Service) ParseInvoice(ctx context.Context, filename string, data []byte, contentType string) (*scanning.Invoice, error) {
	log := loggerFrom(ctx)

	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	defer cancel()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverloaded, err)
	}
	defer s.slots.Release(1)

	image, mimeType, err := scanning.Rasterize(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}

	name := fmt.Sprintf("%s_%s", s.idGenerator.Generate(), scratchName(filename, mimeType))
	savedName, err := s.storage.Save(name, image)
	if err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}
	ocrBase := savedName + ".ocr"
	defer s.cleanup(log, savedName, ocrBase+".txt")

	started := s.timeSource.Now()
	rawText, err := s.recognizer.Recognize(ctx, s.storage.Path(savedName), s.storage.Path(ocrBase))
	if err != nil {
		log.Error("OCR failed", "filename", filename, "content_type", mimeType, "error", err)
		return nil, fmt.Errorf("running OCR: %w", err)
	}

	condensed := s.triage.Condense(rawText, s.cfg.MaxChars)
	log.Debug("OCR text condensed", "raw_chars", len(rawText), "condensed_chars", len(condensed))

	inv, err := s.extract(ctx, scanning.Document{Image: image, MimeType: mimeType, Text: condensed})
	if err != nil {
		log.Error("Failed to extract invoice",
			"filename", filename,
			"content_type", mimeType,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("extracting invoice: %w", err)
	}

	for _, finding := range inv.CheckTotals() {
		log.Warn("Extracted amounts are inconsistent", "filename", filename, "finding", finding)
	}
	log.Info("Invoice extracted", "filename", filename, "items", len(inv.Items), "duration", s.timeSource.Now().Sub(started))

	return inv, nil
}

// extract retries only transport failures; a rejection or a malformed answer is final
func (s *Service) extract(ctx context.Context, doc scanning.Document) (*scanning.Invoice, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ExtractAttempts; attempt++ {
		inv, err := s.extractor.Extract(ctx, doc)
		if err == nil {
			return inv, nil
		}
		lastErr = err
		if !errors.Is(err, upstream.ErrUnavailable) || attempt == s.cfg.ExtractAttempts {
			break
		}

		loggerFrom(ctx).Warn("Inference server unavailable, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
		}
	}
	return nil, lastErr
}

// cleanup deletes scratch files, ignoring failures
func (s *Service) cleanup(log *slog.Logger, names ...string) {
	for _, name := range names {
		if err := s.storage.Delete(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Debug("Failed to delete scratch file", "name", name, "error", err)
		}
	}
}

// AuthorizationURL returns the provider URL that starts the OAuth flow
func (s *Service) AuthorizationURL() (string, error) {
	return s.vault.AuthorizationURL()
}

// Connect completes the OAuth flow with an authorization code
func (s *Service) Connect(ctx context.Context, code string) (int, error) {
	return s.vault.Connect(ctx, code)
}

// AccountingStatus reports the accounting connection
func (s *Service) AccountingStatus() accounting.Status {
	return s.vault.Status()
}

// PushInvoice books an extracted invoice as a purchase entry and returns
// the entity the accounting system created
func (s *Service) PushInvoice(ctx context.Context, req PushRequest) (json.RawMessage, error) {
	log := loggerFrom(ctx)

	journal := req.Journal
	if strings.TrimSpace(journal) == "" {
		journal = s.cfg.DefaultJournal
	}
	entry, err := accounting.ToPurchaseEntry(req.InvoiceData, req.SupplierGUID, req.GLAccountGUID, journal)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()

	token, err := s.vault.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting access token: %w", err)
	}
	status := s.vault.Status()
	if status.Division == nil {
		return nil, fmt.Errorf("%w: no division known, reconnect", accounting.ErrNotConnected)
	}

	log.Info("Pushing purchase entry", "division", *status.Division, "invoice_number", entry.InvoiceNumber, "lines", len(entry.PurchaseEntryLines))
	result, err := s.ledger.CreatePurchaseEntry(ctx, token, *status.Division, entry)
	s.recordPush(log, entry, *status.Division, result, err)
	if err != nil {
		return nil, fmt.Errorf("pushing purchase entry: %w", err)
	}
	return result, nil
}

// ListPushes returns the most recent push outcomes
func (s *Service) ListPushes(limit int) ([]*PushRecord, error) {
	records, err := s.db.ListPushes(limit)
	if err != nil {
		return nil, fmt.Errorf("listing pushes: %w", err)
	}
	return records, nil
}

// recordPush writes the outcome to the journal. Journal failures never fail the push.
func (s *Service) recordPush(log *slog.Logger, entry accounting.PurchaseEntry, division int, result json.RawMessage, pushErr error) {
	amount := decimal.Zero
	for _, line := range entry.PurchaseEntryLines {
		amount = amount.Add(decimal.NewFromFloat(line.AmountFC))
	}

	record := &PushRecord{
		ID:            s.idGenerator.Generate(),
		InvoiceNumber: entry.InvoiceNumber,
		Supplier:      entry.Supplier,
		Journal:       entry.Journal,
		Division:      division,
		Lines:         len(entry.PurchaseEntryLines),
		Amount:        amount.Round(2).InexactFloat64(),
		Status:        PushCreated,
		CreatedAt:     s.timeSource.Now(),
	}

	var uerr *upstream.Error
	switch {
	case pushErr == nil:
		var created struct {
			EntryID string `json:"EntryID"`
		}
		if err := json.Unmarshal(result, &created); err == nil {
			record.EntryID = created.EntryID
		}
	case errors.As(pushErr, &uerr) && uerr.Kind == upstream.ErrRejected:
		record.Status = PushRejected
		record.ProviderStatus = uerr.Status
		record.Error = uerr.Body
	default:
		record.Status = PushFailed
		record.Error = pushErr.Error()
	}

	if err := s.db.SavePush(record); err != nil {
		log.Error("Failed to record push", "error", err)
	}
}
