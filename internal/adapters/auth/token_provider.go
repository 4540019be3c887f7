package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

const (
	credentialsFileMode = 0o600
	credentialsDirMode  = 0o700
	tempFilePattern     = ".credentials-*.json.tmp"

	// Refresh while the token still has this much life left, so a token
	// that expires mid-handshake never reaches the wire.
	defaultExpirySkew = 60 * time.Second

	maxRefreshResponseBytes = 1 << 20
)

// Tokens is the stored shape of one account's OAuth grant.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

type credentialsFile struct {
	Accounts map[string]Tokens `json:"accounts"`
}

func withCalculatedExpiry(tokens Tokens, now time.Time) Tokens {
	if tokens.ExpiresIn > 0 {
		tokens.ExpiresAt = now.Add(time.Duration(tokens.ExpiresIn) * time.Second).Unix()
	}
	return tokens
}

func tokenExpiringSoon(tokens Tokens, now time.Time, skew time.Duration) bool {
	if tokens.ExpiresAt <= 0 {
		return false
	}
	expiresAt := time.Unix(tokens.ExpiresAt, 0)
	return !expiresAt.After(now.Add(skew))
}

// TokenProvider serves bearer tokens from a local credentials file,
// refreshing against the OAuth token endpoint when the stored token is at or
// near expiry. Concurrent refresh triggers for the same account collapse into
// a single upstream request.
type TokenProvider struct {
	credentialsPath string
	tokenEndpoint   string
	clientID        string
	httpClient      *http.Client
	clock           ports.Clock
	expirySkew      time.Duration

	group singleflight.Group
	mu    sync.Mutex
}

var _ ports.TokenProvider = (*TokenProvider)(nil)

type Config struct {
	CredentialsPath string
	TokenEndpoint   string
	ClientID        string
	HTTPClient      *http.Client
	Clock           ports.Clock
	ExpirySkew      time.Duration
}

func NewTokenProvider(cfg Config) (*TokenProvider, error) {
	if strings.TrimSpace(cfg.CredentialsPath) == "" {
		return nil, errors.New("credentials path is empty")
	}
	if strings.TrimSpace(cfg.TokenEndpoint) == "" {
		return nil, errors.New("token endpoint is empty")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = ports.SystemClock{}
	}
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = defaultExpirySkew
	}

	path, err := filepath.Abs(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials path: %w", err)
	}

	return &TokenProvider{
		credentialsPath: filepath.Clean(path),
		tokenEndpoint:   cfg.TokenEndpoint,
		clientID:        cfg.ClientID,
		httpClient:      cfg.HTTPClient,
		clock:           cfg.Clock,
		expirySkew:      cfg.ExpirySkew,
	}, nil
}

func (p *TokenProvider) AccessToken(ctx context.Context, accountID string) (string, error) {
	tokens, err := p.loadTokens(accountID)
	if err != nil {
		return "", err
	}

	if !tokenExpiringSoon(tokens, p.clock.Now(), p.expirySkew) {
		return tokens.AccessToken, nil
	}

	refreshed, err, _ := p.group.Do("refresh:"+accountID, func() (any, error) {
		// Another caller may have finished the refresh while this one
		// waited on the flight group.
		current, err := p.loadTokens(accountID)
		if err != nil {
			return Tokens{}, err
		}
		if !tokenExpiringSoon(current, p.clock.Now(), p.expirySkew) {
			return current, nil
		}
		return p.refresh(ctx, accountID, current)
	})
	if err != nil {
		return "", err
	}
	return refreshed.(Tokens).AccessToken, nil
}

// SaveTokens stores tokens for an account, stamping an absolute expiry from
// expires_in when the issuer supplied one.
func (p *TokenProvider) SaveTokens(accountID string, tokens Tokens) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	file := p.readCredentials()
	if file.Accounts == nil {
		file.Accounts = map[string]Tokens{}
	}
	file.Accounts[accountID] = withCalculatedExpiry(tokens, p.clock.Now())
	return p.writeCredentials(file)
}

func (p *TokenProvider) loadTokens(accountID string) (Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	file := p.readCredentials()
	tokens, ok := file.Accounts[accountID]
	if !ok || strings.TrimSpace(tokens.AccessToken) == "" {
		return Tokens{}, domain.NewClassified(domain.CategoryAuth, domain.CodeInvalidCredentials,
			fmt.Sprintf("no stored credentials for account %q", accountID), nil)
	}
	return tokens, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func (p *TokenProvider) refresh(ctx context.Context, accountID string, current Tokens) (Tokens, error) {
	if strings.TrimSpace(current.RefreshToken) == "" {
		return Tokens{}, domain.NewClassified(domain.CategoryAuth, domain.CodeTokenExpired,
			"access token expired and no refresh token is stored", nil)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	if p.clientID != "" {
		form.Set("client_id", p.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, fmt.Errorf("build token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Tokens{}, domain.NewClassified(domain.CategoryTransient, domain.CodeAPIUnavailable,
			"token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshResponseBytes))
	if err != nil {
		return Tokens{}, domain.NewClassified(domain.CategoryTransient, domain.CodeAPIUnavailable,
			"read token refresh response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return Tokens{}, domain.NewClassified(domain.CategoryAuth, domain.CodeTokenRevoked,
				fmt.Sprintf("token refresh rejected (status %d)", resp.StatusCode), nil)
		}
		return Tokens{}, domain.ClassifyHTTPStatus(resp.StatusCode,
			fmt.Sprintf("token refresh failed (status %d)", resp.StatusCode), nil)
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Tokens{}, domain.NewClassified(domain.CategoryProtocol, 0,
			"decode token refresh response", err)
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return Tokens{}, domain.NewClassified(domain.CategoryProtocol, 0,
			"token refresh response missing access_token", nil)
	}

	next := Tokens{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		ExpiresIn:    parsed.ExpiresIn,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	if err := p.SaveTokens(accountID, next); err != nil {
		return Tokens{}, err
	}
	return withCalculatedExpiry(next, p.clock.Now()), nil
}

func (p *TokenProvider) readCredentials() credentialsFile {
	data, err := os.ReadFile(p.credentialsPath)
	if err != nil {
		return credentialsFile{}
	}
	var file credentialsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return credentialsFile{}
	}
	return file
}

func (p *TokenProvider) writeCredentials(file credentialsFile) error {
	if err := os.MkdirAll(filepath.Dir(p.credentialsPath), credentialsDirMode); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(p.credentialsPath), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tempFile.Chmod(credentialsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}

	if err := os.Rename(tempName, p.credentialsPath); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	cleanup = false

	if err := os.Chmod(p.credentialsPath, credentialsFileMode); err != nil {
		return fmt.Errorf("chmod credentials file: %w", err)
	}
	return nil
}
