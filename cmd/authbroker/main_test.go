package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dgellow/authbroker/internal"
	"github.com/dgellow/authbroker/internal/config"
	"github.com/dgellow/authbroker/internal/credential"
	"github.com/dgellow/authbroker/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCommands struct {
	summary  credential.Summary
	err      error
	authURL  string
	called   string
	serveErr error
}

func (s *stubCommands) Login(_ context.Context, onURL func(string)) (credential.Summary, error) {
	s.called = "login"
	onURL(s.authURL)
	return s.summary, s.err
}

func (s *stubCommands) Status(context.Context) (credential.Summary, error) {
	s.called = "status"
	return s.summary, s.err
}

func (s *stubCommands) Refresh(context.Context) (credential.Summary, error) {
	s.called = "refresh"
	return s.summary, s.err
}

func (s *stubCommands) ServeMCP(context.Context) error {
	s.called = "mcp"
	return s.serveErr
}

func memoryApp(t *testing.T) *internal.App {
	t.Helper()
	cfg := config.Config{
		Broker: config.BrokerConfig{
			Name:        "default",
			Environment: config.EnvironmentCustom,
			Endpoints: config.Endpoints{
				AuthorizationURL: "https://account-d.example.com/oauth/auth",
				TokenURL:         "https://account-d.example.com/oauth/token",
			},
			ClientID:        "integration-key",
			ClientSecret:    "client-secret",
			RedirectURI:     "http://127.0.0.1:3000/auth/callback",
			CallbackTimeout: time.Second,
		},
		Storage: config.StorageConfig{Kind: config.StorageKindMemory},
	}
	cfg.ApplyDefaults()

	app, err := internal.NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestRun_EmptyStore(t *testing.T) {
	ctx := context.Background()
	app := memoryApp(t)

	t.Run("status", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(ctx, app, mode{status: true}, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no stored credential")
		assert.Empty(t, stdout.String())
	})

	t.Run("refresh", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(ctx, app, mode{refresh: true}, &stdout, &stderr)
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
		assert.Contains(t, err.Error(), "refresh failed")
		assert.Empty(t, stdout.String())
	})
}

func TestRun_Dispatch(t *testing.T) {
	ctx := context.Background()
	summary := credential.Summary{Key: "default", AccessToken: "eyJ0....sig", AccountID: "acct-1"}

	tests := []struct {
		name       string
		mode       mode
		stub       *stubCommands
		wantCalled string
		wantErr    string
		wantIs     error
		wantStdout bool
		wantStderr string
	}{
		{
			name:       "login prints the url and the summary",
			stub:       &stubCommands{summary: summary, authURL: "https://account-d.example.com/oauth/auth?state=S"},
			wantCalled: "login",
			wantStdout: true,
			wantStderr: "https://account-d.example.com/oauth/auth?state=S",
		},
		{
			name:       "login failure",
			stub:       &stubCommands{err: errors.New("state mismatch"), authURL: "https://example.com"},
			wantCalled: "login",
			wantErr:    "authorization failed: state mismatch",
		},
		{
			name:       "status prints the summary",
			mode:       mode{status: true},
			stub:       &stubCommands{summary: summary},
			wantCalled: "status",
			wantStdout: true,
		},
		{
			name:       "refresh prints the summary",
			mode:       mode{refresh: true},
			stub:       &stubCommands{summary: summary},
			wantCalled: "refresh",
			wantStdout: true,
		},
		{
			name:       "refresh needs a new login",
			mode:       mode{refresh: true},
			stub:       &stubCommands{err: credential.ErrReauthorizationRequired},
			wantCalled: "refresh",
			wantErr:    "run without -refresh to log in again",
			wantIs:     credential.ErrReauthorizationRequired,
		},
		{
			name:       "mcp wins over the other modes",
			mode:       mode{serveMCP: true, status: true, refresh: true},
			stub:       &stubCommands{serveErr: errors.New("stdin closed")},
			wantCalled: "mcp",
			wantErr:    "stdin closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(ctx, tt.stub, tt.mode, &stdout, &stderr)
			assert.Equal(t, tt.wantCalled, tt.stub.called)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				if tt.wantIs != nil {
					assert.ErrorIs(t, err, tt.wantIs)
				}
			} else {
				require.NoError(t, err)
			}

			if tt.wantStdout {
				var got credential.Summary
				require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
				assert.Equal(t, "default", got.Key)
				assert.Equal(t, "acct-1", got.AccountID)
			} else {
				assert.Empty(t, stdout.String())
			}
			if tt.wantStderr != "" {
				assert.Contains(t, stderr.String(), tt.wantStderr)
			}
		})
	}
}
