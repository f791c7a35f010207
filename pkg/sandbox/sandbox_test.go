package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	sb, err := New(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, sb.Endpoint)
	assert.Equal(t, DefaultRegion, sb.Region)
	require.NotNil(t, sb.EC2)
	require.NotNil(t, sb.S3)
	require.NotNil(t, sb.IAM)
}

func TestNewSchemeDefault(t *testing.T) {
	sb, err := New(context.Background(), Options{Endpoint: "localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4566", sb.Endpoint)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "ok", status: http.StatusOK, body: `{"services":{"ec2":"running","s3":"available"}}`},
		{name: "bad status", status: http.StatusServiceUnavailable, body: `{}`, wantErr: "returned 503"},
		{name: "no services", status: http.StatusOK, body: `{"services":{}}`, wantErr: "no services"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/_localstack/health", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			sb := &Sandbox{Endpoint: srv.URL, httpClient: &http.Client{Timeout: time.Second}}
			err := sb.Health(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHealthUnreachable(t *testing.T) {
	sb := &Sandbox{Endpoint: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	err := sb.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
