package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

type staticTokens struct{ token string }

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return s.token, nil
}

func newTestProvisioner(t *testing.T, handler http.Handler) (*Provisioner, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provisioner, err := NewProvisioner(Config{
		BaseURL:   server.URL,
		AccountID: "acct-1",
		Tokens:    staticTokens{token: "test-token"},
	})
	require.NoError(t, err)
	return provisioner, server
}

func TestAssignParsesRuntime(t *testing.T) {
	t.Parallel()

	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	provisioner, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/runtimes", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req assignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpu", req.Variant)
		assert.Equal(t, "A100", req.Accelerator)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(assignResponse{
			RuntimeID:   "rt-42",
			Endpoint:    "wss://kernel.example/rt-42",
			Accelerator: "A100",
			ExpiresAt:   expires,
		})
	}))

	runtime, err := provisioner.Assign(context.Background(), domain.VariantGPU, "A100")
	require.NoError(t, err)
	assert.Equal(t, "rt-42", runtime.ID)
	assert.Equal(t, "wss://kernel.example/rt-42", runtime.Endpoint)
	assert.Equal(t, "A100", runtime.Accelerator)
	assert.True(t, runtime.ExpiresAt.Equal(expires))
}

func TestAssignClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		status       int
		wantCategory domain.ErrorCategory
		wantCode     int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantCategory: domain.CategoryAuth, wantCode: domain.CodeInvalidCredentials},
		{name: "rate limited", status: http.StatusTooManyRequests, wantCategory: domain.CategoryResource, wantCode: domain.CodeRateLimited},
		{name: "server error", status: http.StatusBadGateway, wantCategory: domain.CategoryTransient, wantCode: domain.CodeAPIUnavailable},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			provisioner, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))

			_, err := provisioner.Assign(context.Background(), domain.VariantGPU, "")
			classified, ok := domain.AsClassified(err)
			require.True(t, ok)
			assert.Equal(t, tc.wantCategory, classified.Category)
			assert.Equal(t, tc.wantCode, classified.Code)
		})
	}
}

func TestAssignMalformedResponseIsProtocolError(t *testing.T) {
	t.Parallel()

	provisioner, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runtime_id":""}`))
	}))

	_, err := provisioner.Assign(context.Background(), domain.VariantCPU, "")
	classified, ok := domain.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryProtocol, classified.Category)
}

func TestReleaseDeletesRuntime(t *testing.T) {
	t.Parallel()

	provisioner, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/runtimes/rt-42", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, provisioner.Release(context.Background(), "rt-42"))
}

func TestReleaseTreatsGoneRuntimeAsSuccess(t *testing.T) {
	t.Parallel()

	provisioner, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.NoError(t, provisioner.Release(context.Background(), "rt-gone"))
}

func TestReleaseClassifiesServerError(t *testing.T) {
	t.Parallel()

	provisioner, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := provisioner.Release(context.Background(), "rt-42")
	classified, ok := domain.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryTransient, classified.Category)
}
