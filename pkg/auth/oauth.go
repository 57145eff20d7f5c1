package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/harrisonrobin/larksync/pkg/config"
	"golang.org/x/oauth2"
)

const (
	// LocalhostAuthPort is the port the local web server listens on to
	// capture the OAuth redirect during CLI login.
	LocalhostAuthPort = "6789"

	// TokenName is the key the Lark user token is stored under.
	TokenName = "lark"

	stateMaxAge  = 10 * time.Minute
	loginTimeout = 5 * time.Minute
)

// TokenStore persists OAuth tokens and pending state values.
type TokenStore interface {
	LoadToken(ctx context.Context, name string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, name string, tok *oauth2.Token) error
	SaveState(ctx context.Context, state string) error
	ConsumeState(ctx context.Context, state string, maxAge time.Duration) (bool, error)
}

// ErrInvalidState is returned when a callback carries an unknown or expired state.
var ErrInvalidState = errors.New("invalid or expired OAuth state")

// LarkConfig builds the oauth2 configuration for the Lark authorization server.
func LarkConfig(cfg config.Lark) *oauth2.Config {
	redirect := cfg.RedirectURI
	if redirect == "" {
		redirect = fmt.Sprintf("http://localhost:%s/oauth/callback", LocalhostAuthPort)
	}
	return &oauth2.Config{
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppSecret,
		RedirectURL:  redirect,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Manager owns the Lark token: it runs the authorization flow, persists the
// result and refreshes it when it expires.
type Manager struct {
	oauth  *oauth2.Config
	store  TokenStore
	logger *log.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewManager creates a Manager for the given Lark settings.
func NewManager(cfg config.Lark, store TokenStore, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		oauth:  LarkConfig(cfg),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// OAuthConfig exposes the underlying oauth2 configuration.
func (m *Manager) OAuthConfig() *oauth2.Config {
	return m.oauth
}

// AuthCodeURL issues a new state value and returns the URL the user must
// visit to grant access.
func (m *Manager) AuthCodeURL(ctx context.Context) (string, string, error) {
	state := uuid.NewString()
	if err := m.store.SaveState(ctx, state); err != nil {
		return "", "", fmt.Errorf("failed to save OAuth state: %w", err)
	}
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), state, nil
}

// HandleCallback verifies state, exchanges code for a token and stores it.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code not found in redirect URL")
	}
	ok, err := m.store.ConsumeState(ctx, state, stateMaxAge)
	if err != nil {
		return nil, fmt.Errorf("failed to verify OAuth state: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from Lark: %w", err)
	}
	if err := m.store.SaveToken(ctx, TokenName, tok); err != nil {
		return nil, err
	}
	m.logger.Info("stored new access token", "expires", tok.Expiry.Format(time.RFC3339))
	return tok, nil
}

// CurrentToken returns a valid access token, refreshing and persisting it
// when the stored one has expired. A missing token is a ConfigurationError.
func (m *Manager) CurrentToken(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.store.LoadToken(ctx, TokenName)
	if err != nil || tok == nil || tok.AccessToken == "" {
		return nil, &config.ConfigurationError{Field: "lark token", Reason: "no access token stored, run the auth flow first"}
	}
	if tok.Valid() {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, &config.ConfigurationError{Field: "lark token", Reason: "access token expired and no refresh token is available"}
	}

	m.logger.Info("access token expired, refreshing")
	fresh, err := m.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}
	if err := m.store.SaveToken(ctx, TokenName, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// TokenSource adapts CurrentToken to oauth2.TokenSource.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	return s.m.CurrentToken(s.ctx)
}

// TokenStatus describes a stored token for display.
type TokenStatus struct {
	Valid     bool
	Remaining string
}

// Status reports whether tok is usable at now and how long it has left.
func Status(tok *oauth2.Token, now time.Time) TokenStatus {
	if tok == nil || tok.AccessToken == "" {
		return TokenStatus{Remaining: "Not available"}
	}
	if tok.Expiry.IsZero() {
		return TokenStatus{Valid: true, Remaining: "No expiry"}
	}
	left := tok.Expiry.Sub(now)
	if left <= 0 {
		return TokenStatus{Remaining: "Expired"}
	}
	return TokenStatus{Valid: true, Remaining: fmt.Sprintf("%d minute(s) remaining", int(left.Minutes()))}
}

// Status reports the state of the stored token.
func (m *Manager) Status(ctx context.Context) TokenStatus {
	tok, err := m.store.LoadToken(ctx, TokenName)
	if err != nil {
		return Status(nil, m.now())
	}
	return Status(tok, m.now())
}

// LoginLocal runs the authorization code flow through a local web server
// that captures the redirect, then stores the token.
func (m *Manager) LoginLocal(ctx context.Context) (*oauth2.Token, error) {
	redirect, err := url.Parse(m.oauth.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI %q: %w", m.oauth.RedirectURL, err)
	}
	port := redirect.Port()
	if port == "" {
		port = LocalhostAuthPort
	}
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	type result struct {
		tok *oauth2.Token
		err error
	}
	resultCh := make(chan result, 1)

	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener on port %s: %w", port, err)
	}
	defer listener.Close()

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tok, err := m.HandleCallback(r.Context(), q.Get("code"), q.Get("state"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprint(w, "Authentication successful! You can close this window.")
		}
		select {
		case resultCh <- result{tok, err}:
		default:
		}
	})
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case resultCh <- result{err: fmt.Errorf("HTTP server error: %w", err)}:
			default:
			}
		}
	}()
	defer server.Shutdown(context.Background())

	authURL, _, err := m.AuthCodeURL(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Please open the following URL in your browser to authorize larksync:\n%s\n", authURL)
	m.logger.Info("waiting for authorization code", "redirect", m.oauth.RedirectURL)

	select {
	case res := <-resultCh:
		return res.tok, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(loginTimeout):
		return nil, fmt.Errorf("authorization timed out. Please try again")
	}
}
