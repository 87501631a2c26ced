package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const (
	// expiryMargin is subtracted from the lifetime the server reports
	expiryMargin = 30 * time.Second
	// defaultTokenLifetime applies when the server omits expires_in
	defaultTokenLifetime   = 600 * time.Second
	defaultExchangeTimeout = 10 * time.Second
)

// State is the lifecycle state of the vault's credential
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateRefreshing   State = "refreshing"
)

// Status is a snapshot of the vault safe to hand to callers
type Status struct {
	State     State      `json:"state"`
	Connected bool       `json:"connected"`
	Division  *int       `json:"division"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// DivisionFetcher looks up the division of a freshly authorized user
type DivisionFetcher interface {
	CurrentDivision(ctx context.Context, accessToken string) (int, error)
}

// VaultConfig holds the OAuth client registration
type VaultConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// ExchangeTimeout bounds each token endpoint call
	ExchangeTimeout time.Duration
}

type credential struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	division     *int
}

// Vault owns the single OAuth credential of the accounting connection.
// Refreshes are serialized so concurrent callers near expiry share one
// token endpoint call; the provider rotates refresh tokens, so a second
// refresh with the same token would invalidate the first caller's result.
type Vault struct {
	oauth           *oauth2.Config
	divisions       DivisionFetcher
	httpClient      *http.Client
	timeSource      TimeSource
	exchangeTimeout time.Duration

	mu         sync.Mutex
	cred       credential
	refreshing bool

	group singleflight.Group
}

// NewVault creates a Vault with the default HTTP client and clock
func NewVault(cfg VaultConfig, divisions DivisionFetcher) *Vault {
	return NewVaultWithDeps(cfg, divisions, &http.Client{Timeout: 30 * time.Second}, defaultTimeSource{})
}

// NewVaultWithDeps creates a Vault with custom dependencies for testing
func NewVaultWithDeps(cfg VaultConfig, divisions DivisionFetcher, httpClient *http.Client, timeSrc TimeSource) *Vault {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}

	return &Vault{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/api/oauth2/auth",
				TokenURL:  base + "/api/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		divisions:       divisions,
		httpClient:      httpClient,
		timeSource:      timeSrc,
		exchangeTimeout: timeout,
	}
}

// AuthorizationURL returns the provider URL the user is redirected to
func (v *Vault) AuthorizationURL() (string, error) {
	if v.oauth.ClientID == "" || v.oauth.RedirectURL == "" {
		return "", ErrNotConfigured
	}
	return v.oauth.AuthCodeURL("", oauth2.SetAuthURLParam("force_login", "0")), nil
}

// Connect exchanges an authorization code and replaces the stored credential.
// The division is looked up afterwards; if that fails the error is returned
// but the new tokens stay in place.
func (v *Vault) Connect(ctx context.Context, code string) (int, error) {
	if strings.TrimSpace(code) == "" {
		return 0, &ValidationError{Field: "code", Message: "is required"}
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, v.exchangeTimeout)
	defer cancel()

	tok, err := v.oauth.Exchange(v.clientContext(exchangeCtx), code)
	if err != nil {
		return 0, classifyTokenError("authorization code exchange", err)
	}

	v.mu.Lock()
	v.cred = v.newCredential(tok, nil)
	v.mu.Unlock()
	slog.Info("Accounting connection authorized")

	divisionCtx, cancel := context.WithTimeout(ctx, v.exchangeTimeout)
	defer cancel()

	division, err := v.divisions.CurrentDivision(divisionCtx, tok.AccessToken)
	if err != nil {
		slog.Warn("Failed to fetch division after authorization", "error", err)
		return 0, fmt.Errorf("fetching division: %w", err)
	}

	v.mu.Lock()
	if v.cred.accessToken == tok.AccessToken {
		v.cred.division = &division
	}
	v.mu.Unlock()

	slog.Info("Accounting connection established", "division", division)
	return division, nil
}

// AccessToken returns a usable access token, refreshing it first when expired
func (v *Vault) AccessToken(ctx context.Context) (string, error) {
	v.mu.Lock()
	cred := v.cred
	v.mu.Unlock()

	if cred.accessToken == "" {
		return "", ErrNotConnected
	}
	if v.timeSource.Now().Before(cred.expiresAt) {
		return cred.accessToken, nil
	}

	token, err, shared := v.group.Do("refresh", func() (any, error) {
		return v.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("Joined in-flight token refresh")
	}
	return token.(string), nil
}

// Status returns a snapshot of the connection
func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cred.accessToken == "" {
		return Status{State: StateDisconnected}
	}

	state := StateConnected
	if v.refreshing {
		state = StateRefreshing
	}
	expiresAt := v.cred.expiresAt
	var division *int
	if v.cred.division != nil {
		d := *v.cred.division
		division = &d
	}
	return Status{
		State:     state,
		Connected: true,
		Division:  division,
		ExpiresAt: &expiresAt,
	}
}

// refresh runs inside the single flight. It re-checks expiry because a
// caller may arrive just after another flight already stored a new token.
func (v *Vault) refresh(ctx context.Context) (string, error) {
	v.mu.Lock()
	cred := v.cred
	if v.timeSource.Now().Before(cred.expiresAt) {
		v.mu.Unlock()
		return cred.accessToken, nil
	}
	if cred.refreshToken == "" {
		v.mu.Unlock()
		return "", fmt.Errorf("%w: access token expired and no refresh token is stored", ErrNotConnected)
	}
	v.refreshing = true
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.refreshing = false
		v.mu.Unlock()
	}()

	// Waiters share this call, so it must not die with the first caller
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.exchangeTimeout)
	defer cancel()

	src := v.oauth.TokenSource(v.clientContext(refreshCtx), &oauth2.Token{RefreshToken: cred.refreshToken})
	tok, err := src.Token()
	if err != nil {
		slog.Error("Token refresh failed", "error", err)
		return "", classifyTokenError("refresh token exchange", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cred.refreshToken != cred.refreshToken {
		// A new authorization replaced the credential while refreshing
		return v.cred.accessToken, nil
	}
	v.cred = v.newCredential(tok, cred.division)
	slog.Info("Accounting token refreshed", "expires_at", v.cred.expiresAt)
	return v.cred.accessToken, nil
}

// newCredential builds the stored credential from a token response.
// Access and refresh token are always replaced together.
func (v *Vault) newCredential(tok *oauth2.Token, division *int) credential {
	return credential{
		accessToken:  tok.AccessToken,
		refreshToken: tok.RefreshToken,
		expiresAt:    v.timeSource.Now().Add(tokenLifetime(tok) - expiryMargin),
		division:     division,
	}
}

func (v *Vault) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
}

// tokenLifetime reads expires_in from the raw token response
func tokenLifetime(tok *oauth2.Token) time.Duration {
	var seconds float64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		seconds = v
	case json.Number:
		seconds, _ = v.Float64()
	case string:
		seconds, _ = strconv.ParseFloat(v, 64)
	}
	if seconds <= 0 {
		return defaultTokenLifetime
	}
	return time.Duration(seconds * float64(time.Second))
}

// classifyTokenError maps oauth2 failures onto the error taxonomy
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &TokenExchangeError{Op: op, Status: status, Body: string(retrieveErr.Body)}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return upstream.Unavailable(op, err)
	}
	return upstream.Malformed(op, err)
}
