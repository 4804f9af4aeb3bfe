// Package oauth brokers upstream OAuth 2.0 on behalf of each caller:
// authorization-code and refresh-token flows, a CSRF state ledger with
// TTL-based sweeping, and expiry-aware access-token vending backed by
// the encrypted token store.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/alexjbarnes/heroku-bridge/internal/tokenstore"
)

const (
	// stateTTL is how long a pending authorization state stays valid.
	stateTTL = 10 * time.Minute

	// sweepInterval controls how often expired pending states are reaped.
	sweepInterval = 5 * time.Minute

	// refreshSkew is the window before expiry in which tokens are
	// refreshed proactively instead of vended as-is.
	refreshSkew = 60 * time.Second

	// stateBytes is the entropy of a state nonce (128 bits).
	stateBytes = 16
)

// ErrNoToken reports that no vendable access token exists for a caller.
var ErrNoToken = errors.New("no usable access token")

// pendingState tracks one started authorization flow.
type pendingState struct {
	userID    string
	createdAt time.Time
}

// Config holds the upstream OAuth parameters.
type Config struct {
	ClientID     string
	ClientSecret string
	Scope        string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
}

// Service owns the OAuth state ledger and token lifecycle for all callers.
type Service struct {
	conf   *oauth2.Config
	store  *tokenstore.Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingState

	stopGC chan struct{}
	now    func() time.Time
}

// NewService creates the service and starts the pending-state sweeper.
// Call Stop to terminate the sweeper goroutine.
func NewService(cfg Config, store *tokenstore.Store, logger *slog.Logger) *Service {
	s := &Service{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       strings.Fields(cfg.Scope),
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
		store:   store,
		logger:  logger,
		pending: make(map[string]pendingState),
		stopGC:  make(chan struct{}),
		now:     time.Now,
	}

	go s.gcLoop()

	return s
}

// Stop terminates the background sweeper goroutine.
func (s *Service) Stop() {
	close(s.stopGC)
}

func (s *Service) gcLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepPending()
		case <-s.stopGC:
			return
		}
	}
}

// sweepPending removes pending states older than the TTL.
func (s *Service) sweepPending() {
	cutoff := s.now().Add(-stateTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for state, p := range s.pending {
		if p.createdAt.Before(cutoff) {
			delete(s.pending, state)
		}
	}
}

// randomState generates a 128-bit random state nonce as hex.
func randomState() string {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// AuthorizationURL mints a state nonce for the caller, records it in
// the pending ledger, and returns the upstream authorization URL.
func (s *Service) AuthorizationURL(userID string) string {
	state := randomState()

	s.mu.Lock()
	s.pending[state] = pendingState{userID: userID, createdAt: s.now()}
	s.mu.Unlock()

	return s.conf.AuthCodeURL(state)
}

// HandleCallback validates the state nonce, exchanges the authorization
// code, and persists the resulting token record. The state entry is
// removed whether or not the callback succeeds. Returns the caller id
// the flow was started for.
func (s *Service) HandleCallback(ctx context.Context, code, state string) (string, error) {
	s.mu.Lock()
	p, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()

	if !ok {
		return "", errors.New("invalid state")
	}

	if s.now().Sub(p.createdAt) > stateTTL {
		return "", errors.New("expired state")
	}

	tok, err := s.conf.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchanging authorization code: %w", err)
	}

	if err := s.persistToken(p.userID, tok, ""); err != nil {
		return "", err
	}

	s.logger.Info("authorization complete", slog.String("user_id", p.userID))

	return p.userID, nil
}

// persistToken converts an upstream token response into a TokenRecord
// and stores it. priorRefresh is kept when the response omits a new
// refresh token.
func (s *Service) persistToken(userID string, tok *oauth2.Token, priorRefresh string) error {
	rec := &tokenstore.TokenRecord{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Scope:        extractScopes(tok),
		ObtainedAt:   s.now().UTC().Format(time.RFC3339),
	}

	if rec.RefreshToken == "" {
		rec.RefreshToken = priorRefresh
	}

	if !tok.Expiry.IsZero() {
		rec.ExpiresAt = tok.Expiry.UTC().Format(time.RFC3339)
	}

	if err := s.store.Put(userID, rec); err != nil {
		return fmt.Errorf("persisting token record: %w", err)
	}

	return nil
}

// extractScopes parses the scope field of a token response, splitting
// on spaces and commas.
func extractScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})

	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			scopes = append(scopes, f)
		}
	}

	return scopes
}

// AccessToken vends a usable access token for the caller, refreshing
// proactively when the stored token expires within the skew window.
// Returns ErrNoToken when no credential can be vended.
func (s *Service) AccessToken(ctx context.Context, userID string) (string, error) {
	rec, err := s.store.Get(userID)
	if err != nil {
		return "", err
	}

	if rec == nil || rec.AccessToken == "" {
		return "", ErrNoToken
	}

	// No recorded expiry: vend as-is.
	if rec.ExpiresAt == "" {
		return rec.AccessToken, nil
	}

	expiresAt, err := time.Parse(time.RFC3339, rec.ExpiresAt)
	if err != nil {
		// Unparseable expiry: treat the token as non-expiring.
		return rec.AccessToken, nil
	}

	if s.now().Before(expiresAt.Add(-refreshSkew)) {
		return rec.AccessToken, nil
	}

	if rec.RefreshToken == "" {
		return "", ErrNoToken
	}

	return s.refresh(ctx, userID, rec)
}

// refresh exchanges the stored refresh token for a fresh access token
// and persists the updated record.
func (s *Service) refresh(ctx context.Context, userID string, rec *tokenstore.TokenRecord) (string, error) {
	src := s.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	if err := s.persistToken(userID, tok, rec.RefreshToken); err != nil {
		return "", err
	}

	s.logger.Debug("access token refreshed", slog.String("user_id", userID))

	return tok.AccessToken, nil
}

// Status reports the caller's authentication state for the auth_status
// tool and the /oauth/status endpoint.
func (s *Service) Status(userID string) (authenticated bool, scopes []string, expiresAt string, err error) {
	rec, err := s.store.Get(userID)
	if err != nil {
		return false, nil, "", err
	}

	if rec == nil || rec.AccessToken == "" {
		return false, nil, "", nil
	}

	return true, rec.Scope, rec.ExpiresAt, nil
}

// Logout removes the caller's stored token record.
func (s *Service) Logout(userID string) error {
	return s.store.Delete(userID)
}
