package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/authbroker/internal/config"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	// DefaultHTTPTimeout bounds each token endpoint request.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultCallbackGrace is how long the receiver may keep flushing its page.
	DefaultCallbackGrace = time.Second
)

var tracer = otel.Tracer("github.com/dgellow/authbroker/internal/broker")

// errFlowClaimed is returned by Wait when the flow was already waited on or canceled.
var errFlowClaimed = errors.New("broker: flow already waited on or canceled")

// Options configures a Broker. Nothing is read from globals.
type Options struct {
	AuthorizationURL string
	TokenURL         string
	AuthStyle        config.TokenAuthStyle

	// ClientID and ClientSecret are used by Refresh. Flows take theirs from
	// the AuthorizationRequest.
	ClientID     string
	ClientSecret config.Secret

	HTTPClient    *http.Client
	CallbackGrace time.Duration
	Clock         func() time.Time
}

// OptionsFromConfig maps a loaded broker section onto Options.
func OptionsFromConfig(b config.BrokerConfig) Options {
	return Options{
		AuthorizationURL: b.AuthorizationURL,
		TokenURL:         b.TokenURL,
		AuthStyle:        b.AuthStyle,
		ClientID:         b.ClientID,
		ClientSecret:     b.ClientSecret,
		CallbackGrace:    b.CallbackGrace,
	}
}

// Broker runs OAuth2 authorization code flows, one at a time.
type Broker struct {
	opts       Options
	authStyle  oauth2.AuthStyle
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	active *Flow
}

// New validates opts and returns an idle broker.
func New(opts Options) (*Broker, error) {
	for name, raw := range map[string]string{
		"authorization URL": opts.AuthorizationURL,
		"token URL":         opts.TokenURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("invalid %s %q", name, raw)
		}
	}

	b := &Broker{
		opts:       opts,
		httpClient: opts.HTTPClient,
		now:        opts.Clock,
	}

	switch opts.AuthStyle {
	case config.TokenAuthStyleParams, "":
		b.authStyle = oauth2.AuthStyleInParams
	case config.TokenAuthStyleHeader:
		b.authStyle = oauth2.AuthStyleInHeader
	default:
		return nil, fmt.Errorf("invalid token auth style %q", opts.AuthStyle)
	}

	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.opts.CallbackGrace <= 0 {
		b.opts.CallbackGrace = DefaultCallbackGrace
	}

	return b, nil
}

// State reports the state of the in-flight flow, or StateIdle.
func (b *Broker) State() FlowState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return StateIdle
	}
	return b.active.State()
}

// ActiveFlow returns the in-flight flow, if any.
func (b *Broker) ActiveFlow() (*Flow, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.active != nil
}

func (b *Broker) oauthConfig(req AuthorizationRequest) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: string(req.ClientSecret),
		Endpoint: oauth2.Endpoint{
			AuthURL:   b.opts.AuthorizationURL,
			TokenURL:  b.opts.TokenURL,
			AuthStyle: b.authStyle,
		},
		RedirectURL: req.RedirectURI,
		Scopes:      req.Scopes,
	}
}

// clientContext routes oauth2 token requests through the broker's HTTP client.
func (b *Broker) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

// Flow is one in-flight authorization attempt. Its receiver is bound from
// Begin until Wait returns or Cancel is called.
type Flow struct {
	id      string
	broker  *Broker
	req     AuthorizationRequest
	authURL string
	recv    *receiver
	started time.Time

	state atomic.Int32

	span trace.Span

	claimed    atomic.Bool
	canceled   chan struct{}
	cancelOnce sync.Once
	finishOnce sync.Once
}

// Begin reserves the broker, binds the callback receiver and returns the
// flow. The caller sends the user to AuthorizationURL and then calls Wait.
func (b *Broker) Begin(ctx context.Context, req AuthorizationRequest) (*Flow, error) {
	prepared, err := PrepareRequest(req)
	if err != nil {
		return nil, err
	}
	authURL, err := b.BuildAuthorizationURL(prepared)
	if err != nil {
		return nil, err
	}

	f, err := b.start(ctx, prepared, authURL)
	if err != nil {
		return nil, err
	}

	log.LogInfoWithFields("broker", "Authorization flow started", map[string]any{
		"flow_id":      f.id,
		"redirect_uri": prepared.RedirectURI,
		"scopes":       prepared.Scopes,
		"pkce":         prepared.CodeVerifier != "",
	})
	return f, nil
}

// start reserves the broker and binds a receiver on req.RedirectURI. The
// flow is fully populated before it becomes visible through ActiveFlow.
func (b *Broker) start(ctx context.Context, req AuthorizationRequest, authURL string) (*Flow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		return nil, newError(KindFlowAlreadyInProgress, fmt.Errorf("flow %s is %s", b.active.id, b.active.State()))
	}

	f := &Flow{
		id:       uuid.NewString(),
		broker:   b,
		req:      req,
		authURL:  authURL,
		started:  b.now(),
		canceled: make(chan struct{}),
	}
	_, f.span = tracer.Start(ctx, "authbroker.flow", trace.WithAttributes(
		attribute.String("authbroker.flow_id", f.id),
	))

	recv, err := newReceiver(req.RedirectURI, b.opts.CallbackGrace, b.now)
	if err != nil {
		f.span.RecordError(err)
		f.span.SetStatus(codes.Error, err.Error())
		f.span.End()
		log.LogErrorWithFields("broker", "Failed to bind callback receiver", map[string]any{
			"flow_id":      f.id,
			"redirect_uri": req.RedirectURI,
			"error":        err.Error(),
		})
		return nil, err
	}
	f.recv = recv
	f.setState(StateAwaitingRedirect)
	b.active = f
	return f, nil
}

// ID identifies the flow in logs and traces.
func (f *Flow) ID() string { return f.id }

// AuthorizationURL is where the user's browser must be sent.
func (f *Flow) AuthorizationURL() string { return f.authURL }

// Request returns the prepared request, including the generated state.
func (f *Flow) Request() AuthorizationRequest { return f.req }

// Started is when the receiver was bound.
func (f *Flow) Started() time.Time { return f.started }

// State reports where the flow is in its lifecycle.
func (f *Flow) State() FlowState { return FlowState(f.state.Load()) }

func (f *Flow) setState(s FlowState) {
	f.state.Store(int32(s))
	f.span.AddEvent("state", trace.WithAttributes(attribute.String("authbroker.state", s.String())))
}

// Cancel aborts the flow. A Wait still blocked on the callback or on the
// token exchange returns FlowCanceled; a flow nobody is waiting on is torn
// down immediately. Cancel after Wait returned has no effect.
func (f *Flow) Cancel() {
	f.cancelOnce.Do(func() { close(f.canceled) })
	if f.claimed.CompareAndSwap(false, true) {
		f.finish(newError(KindFlowCanceled, errors.New("canceled before wait")))
	}
}

// Wait blocks until the redirect arrives, then validates the state and
// exchanges the code. A timeout of zero or less waits until ctx is done or
// the flow is canceled. The receiver is unbound and the broker idle again
// when Wait returns.
func (f *Flow) Wait(ctx context.Context, timeout time.Duration) (cred TokenCredential, err error) {
	if !f.claimed.CompareAndSwap(false, true) {
		return TokenCredential{}, errFlowClaimed
	}
	defer func() { f.finish(err) }()

	ctx = trace.ContextWithSpan(ctx, f.span)

	result, err := f.await(ctx, timeout)
	if err != nil {
		return TokenCredential{}, err
	}
	f.setState(StateCodeReceived)

	if result.Error != "" {
		return TokenCredential{}, newError(KindAuthorizationDenied, callbackError(result))
	}
	if !ValidateState(f.req.State, result.State) {
		return TokenCredential{}, newError(KindStateMismatch, errors.New("state returned on callback does not match the request"))
	}
	if result.Code == "" {
		return TokenCredential{}, newError(KindAuthorizationDenied, errors.New("callback carried no authorization code"))
	}

	f.setState(StateExchanging)
	return f.exchange(ctx, result.Code)
}

// exchange runs the code exchange so that Cancel and ctx both abort it
// with FlowCanceled rather than a transport failure.
func (f *Flow) exchange(ctx context.Context, code string) (TokenCredential, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-f.canceled:
			cancel(errors.New("canceled by caller"))
		case <-ctx.Done():
		}
	}()

	cred, err := f.broker.ExchangeCodeForToken(ctx, code, f.req)
	if err != nil && ctx.Err() != nil {
		return TokenCredential{}, newError(KindFlowCanceled, context.Cause(ctx))
	}
	return cred, err
}

// await blocks for the callback and closes the receiver before returning.
func (f *Flow) await(ctx context.Context, timeout time.Duration) (CallbackResult, error) {
	_, span := tracer.Start(ctx, "authbroker.await_callback")
	defer span.End()
	defer f.recv.close()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case result := <-f.recv.result:
		log.LogDebugWithFields("broker", "Callback received", map[string]any{
			"flow_id":   f.id,
			"has_code":  result.Code != "",
			"has_error": result.Error != "",
		})
		return result, nil
	case <-timer:
		err := newError(KindCallbackTimeout, fmt.Errorf("no callback within %s", timeout))
		span.SetStatus(codes.Error, err.Error())
		return CallbackResult{}, err
	case <-ctx.Done():
		err := newError(KindFlowCanceled, ctx.Err())
		span.SetStatus(codes.Error, err.Error())
		return CallbackResult{}, err
	case <-f.canceled:
		err := newError(KindFlowCanceled, errors.New("canceled by caller"))
		span.SetStatus(codes.Error, err.Error())
		return CallbackResult{}, err
	}
}

// finish releases the receiver and the broker reservation exactly once.
func (f *Flow) finish(err error) {
	f.finishOnce.Do(func() {
		f.recv.close()

		fields := map[string]any{
			"flow_id":  f.id,
			"duration": f.broker.now().Sub(f.started).String(),
		}
		if err != nil {
			f.setState(StateFailed)
			f.span.RecordError(err)
			f.span.SetStatus(codes.Error, err.Error())
			fields["error"] = err.Error()
			log.LogWarnWithFields("broker", "Authorization flow failed", fields)
		} else {
			f.setState(StateCompleted)
			f.span.SetStatus(codes.Ok, "")
			log.LogInfoWithFields("broker", "Authorization flow completed", fields)
		}
		f.span.End()

		b := f.broker
		b.mu.Lock()
		if b.active == f {
			b.active = nil
		}
		b.mu.Unlock()
	})
}

// AwaitAuthorization binds a receiver on redirectURI and blocks for exactly
// one callback. The state is not checked here; see ValidateState.
func (b *Broker) AwaitAuthorization(ctx context.Context, redirectURI string, timeout time.Duration) (result CallbackResult, err error) {
	f, err := b.start(ctx, AuthorizationRequest{RedirectURI: redirectURI}, "")
	if err != nil {
		return CallbackResult{}, err
	}
	f.claimed.Store(true)
	defer func() { f.finish(err) }()

	result, err = f.await(trace.ContextWithSpan(ctx, f.span), timeout)
	if err == nil {
		f.setState(StateCodeReceived)
	}
	return result, err
}

// RunAuthorizationCodeFlow runs a whole flow: Begin, hand the URL to onURL
// (which opens the browser), then Wait.
func (b *Broker) RunAuthorizationCodeFlow(ctx context.Context, req AuthorizationRequest, timeout time.Duration, onURL func(string)) (TokenCredential, error) {
	f, err := b.Begin(ctx, req)
	if err != nil {
		return TokenCredential{}, err
	}
	if onURL != nil {
		onURL(f.AuthorizationURL())
	}
	return f.Wait(ctx, timeout)
}

func callbackError(result CallbackResult) error {
	if result.ErrorDescription != "" {
		return fmt.Errorf("%s: %s", result.Error, result.ErrorDescription)
	}
	return errors.New(result.Error)
}
