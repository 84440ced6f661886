package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

// callbackAddr is where the interactive flow listens for Google's redirect.
const callbackAddr = "localhost:8080"

// OAuth2Config holds the OAuth client and where its token lives.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
}

func (c OAuth2Config) oauth() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://" + callbackAddr + "/callback",
		Scopes:       []string{gmailapi.GmailReadonlyScope},
	}
}

// Authenticate runs the browser consent flow and saves the token.
// authURL receives the address the person must visit.
func Authenticate(ctx context.Context, cfg OAuth2Config, authURL func(string)) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, common.NewConfigurationError("gmail client ID and secret are required", common.ErrMissingConfig)
	}
	oauthConfig := cfg.oauth()

	codes := make(chan string, 1)
	errs := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			errs <- errors.New("no authorization code received")
			_, _ = fmt.Fprint(w, "Authentication failed. Please try again.")
			return
		}
		codes <- code
		_, _ = fmt.Fprint(w, "Authentication successful. You can close this window.")
	})

	listener, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("callback server failed: %w", err)
		}
	}()
	defer func() { _ = server.Shutdown(context.WithoutCancel(ctx)) }()

	authURL(oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	var code string
	select {
	case code = <-codes:
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, errors.New("authentication timeout: no response received within 5 minutes")
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if cfg.TokenFile != "" {
		if err := SaveToken(cfg.TokenFile, token); err != nil {
			return nil, err
		}
	}
	return token, nil
}

// LoadToken loads a token from file.
func LoadToken(tokenFile string) (*oauth2.Token, error) {
	f, err := os.Open(tokenFile) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return token, nil
}

// SaveToken writes token to path, readable only by the owner.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return nil
}

// TokenSource returns a source that refreshes the saved token as needed
// and writes every refreshed token back to the token file.
func TokenSource(ctx context.Context, cfg OAuth2Config) (oauth2.TokenSource, error) {
	if cfg.TokenFile == "" {
		return nil, common.NewConfigurationError("gmail token file is not configured", common.ErrMissingConfig)
	}
	token, err := LoadToken(cfg.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.NewConfigurationError("gmail is not linked; run accounts link-gmail", common.ErrMissingConfig)
	}
	if err != nil {
		return nil, err
	}
	return &savingTokenSource{
		base:   cfg.oauth().TokenSource(ctx, token),
		path:   cfg.TokenFile,
		last:   token,
		logger: slog.Default().With("component", "gmail"),
	}, nil
}

type savingTokenSource struct {
	base   oauth2.TokenSource
	last   *oauth2.Token
	logger *slog.Logger
	path   string
	mu     sync.Mutex
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, common.NewConfigurationError("gmail token could not be refreshed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || token.AccessToken != s.last.AccessToken {
		if err := SaveToken(s.path, token); err != nil {
			s.logger.Warn("failed to save refreshed token", "error", err)
		}
		s.last = token
	}
	return token, nil
}
