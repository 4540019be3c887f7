package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

const (
	runtimesPath     = "/v1/runtimes"
	maxResponseBytes = 1 << 20
)

// Provisioner assigns and releases remote runtimes through the provisioning
// API, authenticating every call with a freshly fetched bearer token.
type Provisioner struct {
	baseURL    string
	accountID  string
	tokens     ports.TokenProvider
	httpClient *http.Client
}

var _ ports.RuntimeProvisioner = (*Provisioner)(nil)

type Config struct {
	BaseURL    string
	AccountID  string
	Tokens     ports.TokenProvider
	HTTPClient *http.Client
}

func NewProvisioner(cfg Config) (*Provisioner, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("provisioner base URL is empty")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("provisioner requires a token provider")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provisioner{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountID:  cfg.AccountID,
		tokens:     cfg.Tokens,
		httpClient: cfg.HTTPClient,
	}, nil
}

type assignRequest struct {
	Variant     string `json:"variant"`
	Accelerator string `json:"accelerator,omitempty"`
}

type assignResponse struct {
	RuntimeID   string    `json:"runtime_id"`
	Endpoint    string    `json:"endpoint"`
	Accelerator string    `json:"accelerator"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (p *Provisioner) Assign(ctx context.Context, variant domain.Variant, accelerator string) (domain.Runtime, error) {
	payload, err := json.Marshal(assignRequest{Variant: string(variant), Accelerator: accelerator})
	if err != nil {
		return domain.Runtime{}, fmt.Errorf("encode runtime request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, p.baseURL+runtimesPath, bytes.NewReader(payload))
	if err != nil {
		return domain.Runtime{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Runtime{}, domain.NewClassified(domain.CategoryTransient, domain.CodeAPIUnavailable,
			"read runtime assignment response", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.Runtime{}, domain.ClassifyHTTPStatus(resp.StatusCode,
			fmt.Sprintf("runtime assignment failed (status %d)", resp.StatusCode), nil)
	}

	var parsed assignResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Runtime{}, domain.NewClassified(domain.CategoryProtocol, 0,
			"decode runtime assignment response", err)
	}
	if parsed.RuntimeID == "" || parsed.Endpoint == "" {
		return domain.Runtime{}, domain.NewClassified(domain.CategoryProtocol, 0,
			"runtime assignment response missing runtime_id or endpoint", nil)
	}

	return domain.Runtime{
		ID:          parsed.RuntimeID,
		Accelerator: parsed.Accelerator,
		Endpoint:    parsed.Endpoint,
		ExpiresAt:   parsed.ExpiresAt,
	}, nil
}

// Release tears down the remote runtime. A 404 means the runtime is already
// gone, which is the outcome the caller wanted.
func (p *Provisioner) Release(ctx context.Context, runtimeID string) error {
	resp, err := p.do(ctx, http.MethodDelete, p.baseURL+runtimesPath+"/"+runtimeID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return nil
	default:
		return domain.ClassifyHTTPStatus(resp.StatusCode,
			fmt.Sprintf("runtime release failed (status %d)", resp.StatusCode), nil)
	}
}

func (p *Provisioner) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	token, err := p.tokens.AccessToken(ctx, p.accountID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build runtime request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewClassified(domain.CategoryTransient, domain.CodeAPIUnavailable,
			"provisioning API unreachable", err)
	}
	return resp, nil
}
