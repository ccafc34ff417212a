package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/urlutil"
	"github.com/go-chi/chi/v5"
)

// receiver is the ephemeral listener that captures a single redirect.
type receiver struct {
	server   *http.Server
	listener net.Listener
	path     string
	grace    time.Duration
	now      func() time.Time

	claim  sync.Once
	result chan CallbackResult

	served    chan struct{}
	closeOnce sync.Once
}

func newReceiver(redirectURI string, grace time.Duration, now func() time.Time) (*receiver, error) {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return nil, newError(KindListenerBindFailure, fmt.Errorf("invalid redirect URI %q", redirectURI))
	}

	path := urlutil.CallbackPath(u)
	addr := urlutil.ListenAddr(u)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newError(KindListenerBindFailure, fmt.Errorf("binding %s: %w", addr, err))
	}

	rc := &receiver{
		listener: listener,
		path:     path,
		grace:    grace,
		now:      now,
		result:   make(chan CallbackResult, 1),
		served:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get(path, rc.handleCallback)
	r.NotFound(http.NotFound)

	rc.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(rc.served)
		if err := rc.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogErrorWithFields("receiver", "Callback receiver stopped unexpectedly", map[string]any{
				"addr":  addr,
				"error": err.Error(),
			})
		}
	}()

	log.LogDebugWithFields("receiver", "Callback receiver listening", map[string]any{
		"addr": listener.Addr().String(),
		"path": path,
	})

	return rc, nil
}

func (rc *receiver) handleCallback(w http.ResponseWriter, r *http.Request) {
	first := false
	rc.claim.Do(func() { first = true })

	log.LogTraceWithFields("receiver", "Callback request", map[string]any{
		"remote": r.RemoteAddr,
		"first":  first,
	})

	query := r.URL.Query()
	result := CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
		ReceivedAt:       rc.now(),
	}

	data := CallbackPageData{Handled: !first}
	if first {
		data.Error = result.Error
		data.Description = result.ErrorDescription
		data.MissingCode = result.Error == "" && result.Code == ""
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := callbackPageTemplate.Execute(w, data); err != nil {
		log.LogErrorWithFields("receiver", "Failed to render callback page", map[string]any{
			"error": err.Error(),
		})
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if !first {
		log.LogDebugWithFields("receiver", "Ignoring repeated callback request", map[string]any{
			"path": r.URL.Path,
		})
		return
	}
	rc.result <- result
}

// close stops accepting connections, gives in-flight responses the grace
// period to finish, then forces the server down. The port is free on return.
func (rc *receiver) close() {
	rc.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), rc.grace)
		defer cancel()
		if err := rc.server.Shutdown(ctx); err != nil {
			_ = rc.server.Close()
		}
		<-rc.served
		log.LogDebugWithFields("receiver", "Callback receiver closed", map[string]any{
			"addr": rc.listener.Addr().String(),
		})
	})
}
