// Package auth handles the OAuth flow against the ledger backend and
// caches the resulting token in the bobsync config directory. The
// interactive flow runs a short-lived local web server to capture the
// redirect; everything after that is silent refreshes.
package auth

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
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/harrisonrobin/bobsync/pkg/config"
)

const (
	// credentialsFile holds the OAuth client downloaded from the cloud
	// console, placed in the bobsync config directory.
	credentialsFile = "credentials.json"

	// tokenFile caches the obtained access and refresh tokens.
	tokenFile = "token.json"

	// localAuthPort is where the local server listens for the redirect.
	localAuthPort = "6789"

	// datastoreScope covers Firestore document reads and writes.
	datastoreScope = "https://www.googleapis.com/auth/datastore"

	flowTimeout = 5 * time.Minute
)

// ErrNoToken means no cached token exists; the user has to run the
// interactive login once.
var ErrNoToken = errors.New("auth: no cached token, run 'bobsync auth' first")

// HasToken reports whether a cached token file exists, without validating
// it. Cheap pre-flight check before any network work.
func HasToken() bool {
	path, err := tokenPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ClientOptions returns the client options an API client needs: the cached
// token wrapped in an auto-refreshing source. Returns ErrNoToken when the
// user never logged in.
func ClientOptions(ctx context.Context) ([]option.ClientOption, error) {
	cfg, err := oauthConfig()
	if err != nil {
		return nil, err
	}
	path, err := tokenPath()
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	source := &savingSource{
		path:   path,
		last:   tok,
		source: cfg.TokenSource(ctx, tok),
	}
	return []option.ClientOption{option.WithTokenSource(source)}, nil
}

// Login runs the interactive authorization flow and caches the token,
// replacing any existing one.
func Login(ctx context.Context, logger *slog.Logger) error {
	cfg, err := oauthConfig()
	if err != nil {
		return err
	}
	path, err := tokenPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("auth: removing stale token %s: %w", path, err)
	}

	tok, err := tokenFromWeb(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return saveToken(path, tok)
}

func oauthConfig() (*oauth2.Config, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("auth: reading client credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(raw, datastoreScope)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing client credentials: %w", err)
	}
	// The redirect must match the local listener regardless of what the
	// downloaded credentials claim.
	cfg.RedirectURL = "http://localhost:" + localAuthPort + "/oauth2callback"
	return cfg, nil
}

// tokenFromWeb runs the authorization-code flow: print the consent URL,
// capture the redirect on a local listener, exchange the code.
func tokenFromWeb(ctx context.Context, cfg *oauth2.Config, logger *slog.Logger) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", ":"+localAuthPort)
	if err != nil {
		return nil, fmt.Errorf("auth: listening on port %s: %w", localAuthPort, err)
	}
	defer listener.Close()

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "authorization code missing", http.StatusBadRequest)
				errCh <- errors.New("auth: redirect carried no authorization code")
				return
			}
			fmt.Fprint(w, "Authentication successful! You can close this window.")
			codeCh <- code
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("auth: callback server: %w", err)
		}
	}()
	defer server.Shutdown(context.Background())

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Open the following URL in your browser to authorize bobsync:\n%s\n", authURL)
	logger.Info("waiting for authorization", "redirect", cfg.RedirectURL)

	select {
	case code := <-codeCh:
		exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := cfg.Exchange(exchangeCtx, code)
		if err != nil {
			return nil, fmt.Errorf("auth: exchanging authorization code: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(flowTimeout):
		return nil, errors.New("auth: authorization timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// savingSource wraps a token source and re-caches the token whenever a
// refresh changed it, so the refresh token never goes stale on disk.
type savingSource struct {
	path   string
	last   *oauth2.Token
	source oauth2.TokenSource
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.source.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last.AccessToken || tok.RefreshToken != s.last.RefreshToken {
		s.last = tok
		if err := saveToken(s.path, tok); err != nil {
			// Refresh worked; a failed cache write only costs a refresh
			// next run.
			slog.Warn("failed to cache refreshed token", "error", err)
		}
	}
	return tok, nil
}

func tokenPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, tokenFile), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("auth: decoding token %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("auth: caching token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
