package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tokenEndpoint is a stub token endpoint that records what it was sent.
type tokenEndpoint struct {
	server *httptest.Server
	calls  atomic.Int32

	mu       sync.Mutex
	status   int
	body     string
	lastForm url.Values
	lastUser string
	lastPass string
}

func newTokenEndpoint(t *testing.T, status int, body string) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{status: status, body: body}
	te.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.calls.Add(1)
		_ = r.ParseForm()
		user, pass, _ := r.BasicAuth()

		te.mu.Lock()
		te.lastForm = r.PostForm
		te.lastUser, te.lastPass = user, pass
		status, body := te.status, te.body
		te.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(te.server.Close)
	return te
}

func (te *tokenEndpoint) URL() string { return te.server.URL + "/oauth/token" }

func (te *tokenEndpoint) respond(status int, body string) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.status, te.body = status, body
}

func (te *tokenEndpoint) form() url.Values {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.lastForm
}

func (te *tokenEndpoint) basicAuth() (string, string) {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.lastUser, te.lastPass
}

func tokenJSON(t *testing.T, fields map[string]any) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func redirectURI(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/auth/callback", port)
}

// requirePortFree asserts the port can be bound again right away.
func requirePortFree(t *testing.T, port int) {
	t.Helper()
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "port %d still bound", port)
	require.NoError(t, l.Close())
}

func newTestBroker(t *testing.T, tokenURL string) *Broker {
	t.Helper()
	b, err := New(Options{
		AuthorizationURL: "https://account-d.example.com/oauth/auth",
		TokenURL:         tokenURL,
		ClientID:         "integration-key",
		ClientSecret:     "client-secret",
		CallbackGrace:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

func testRequest(port int) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:     "integration-key",
		ClientSecret: "client-secret",
		RedirectURI:  redirectURI(port),
		Scopes:       []string{"signature"},
	}
}

var browser = &http.Client{
	Timeout:   2 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

// callback plays the authorization server redirect against a receiver.
func callback(t *testing.T, redirect string, query url.Values) (int, string) {
	t.Helper()
	resp, err := browser.Get(redirect + "?" + query.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// callbackEventually retries until the receiver is listening.
func callbackEventually(t *testing.T, redirect string, query url.Values) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := browser.Get(redirect + "?" + query.Encode())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

// approve behaves like a user who consents: it follows the authorization URL
// straight back to the redirect URI with the given code and the request state.
func approve(t *testing.T, authURL, code string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	status, _ := callback(t, q.Get("redirect_uri"), url.Values{"code": {code}, "state": {q.Get("state")}})
	require.Equal(t, http.StatusOK, status)
}
