package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	// ClientSecretsFile is the Google API credentials.json file, read from
	// the larksync config directory.
	ClientSecretsFile = "credentials.json"

	// GoogleTokenFile holds the Google calendar token next to the credentials.
	GoogleTokenFile = "google_token.json"
)

// CalendarScopes are the scopes the deadline mirror needs.
var CalendarScopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// GoogleConfig reads credentials.json from the config directory. Localhost
// redirects are forced onto LocalhostAuthPort.
func GoogleConfig(scopes []string) (*oauth2.Config, error) {
	dir, err := config.GetXdgHome()
	if err != nil {
		return nil, err
	}

	secretsFile := filepath.Join(dir, ClientSecretsFile)
	b, err := os.ReadFile(secretsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file %s: %w", secretsFile, err)
	}

	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}

	if cfg.RedirectURL == "urn:ietf:wg:oauth:2.0:oob" || cfg.RedirectURL == "" {
		cfg.RedirectURL = fmt.Sprintf("http://localhost:%s/", LocalhostAuthPort)
	} else if u, err := url.Parse(cfg.RedirectURL); err == nil && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1") {
		u.Host = fmt.Sprintf("%s:%s", u.Hostname(), LocalhostAuthPort)
		cfg.RedirectURL = u.String()
	}
	return cfg, nil
}

// GoogleClient returns an HTTP client authorized for the calendar. It fails
// when no token has been stored yet; run GoogleLogin first.
func GoogleClient(ctx context.Context, logger *log.Logger) (*http.Client, error) {
	cfg, err := GoogleConfig(CalendarScopes)
	if err != nil {
		return nil, err
	}
	path, err := googleTokenPath()
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(path)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "google token", Reason: "not found, run calendar-auth first"}
	}

	src := oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok))
	current, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh Google token: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	if current.AccessToken != tok.AccessToken {
		logger.Debug("google token refreshed, saving")
		if err := saveToken(path, current); err != nil {
			logger.Warn("could not save refreshed Google token", "err", err)
		}
	}
	return oauth2.NewClient(ctx, src), nil
}

// GoogleLogin runs the calendar authorization flow through the local
// redirect listener and saves the token.
func GoogleLogin(ctx context.Context, logger *log.Logger) error {
	cfg, err := GoogleConfig(CalendarScopes)
	if err != nil {
		return err
	}
	path, err := googleTokenPath()
	if err != nil {
		return err
	}

	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{oauth: cfg, store: &fileTokenStore{path: path, states: map[string]bool{}}, logger: logger, now: time.Now}
	_, err = m.LoginLocal(ctx)
	return err
}

func googleTokenPath() (string, error) {
	dir, err := config.GetXdgHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, GoogleTokenFile), nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", file, err)
	}
	return tok, nil
}

func saveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache OAuth token to %s: %w", path, err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
