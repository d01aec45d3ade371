// Package oauthflow implements the authorization code with PKCE flow shared by
// the OAuth-family providers: a short-lived loopback listener receives the
// redirect, the code is exchanged for tokens, and the resulting profile is
// persisted. It also owns refresh for those profiles.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
	"github.com/papercomputeco/authkeeper/pkg/refreshlock"
)

const (
	// DefaultFlowTimeout bounds the lifetime of a pending flow and its listener.
	DefaultFlowTimeout = 120 * time.Second

	shutdownTimeout = 5 * time.Second

	// defaultTokenLifetime applies when the token endpoint omits expires_in.
	defaultTokenLifetime = time.Hour
)

// ErrUnknownProvider is returned for providers the engine was not configured with.
var ErrUnknownProvider = errors.New("unknown oauth provider")

// Config configures an Engine. Store is required.
type Config struct {
	Store       *credentials.Manager
	Locker      *refreshlock.Locker
	HTTPClient  *http.Client
	Auditor     *publisher.Auditor
	Logger      *zap.Logger
	Providers   []ProviderConfig
	FlowTimeout time.Duration

	// ListenHost is the loopback interface the callback listener binds to.
	ListenHost string
}

// Engine runs PKCE flows and refreshes OAuth profiles. It holds at most one
// pending flow per provider.
type Engine struct {
	store       *credentials.Manager
	locker      *refreshlock.Locker
	httpClient  *http.Client
	auditor     *publisher.Auditor
	logger      *zap.Logger
	flowTimeout time.Duration
	listenHost  string
	providers   map[string]ProviderConfig

	now func() time.Time

	mu      sync.Mutex
	pending map[string]*Flow
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Locker == nil {
		cfg.Locker = refreshlock.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = DefaultFlowTimeout
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}

	byName := make(map[string]ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		byName[p.Name] = p
	}

	return &Engine{
		store:       cfg.Store,
		locker:      cfg.Locker,
		httpClient:  cfg.HTTPClient,
		auditor:     cfg.Auditor,
		logger:      cfg.Logger,
		flowTimeout: cfg.FlowTimeout,
		listenHost:  cfg.ListenHost,
		providers:   byName,
		now:         time.Now,
		pending:     make(map[string]*Flow),
	}
}

// Providers returns the names the engine handles.
func (e *Engine) Providers() []string {
	out := make([]string, 0, len(e.providers))
	for name := range e.providers {
		out = append(out, name)
	}
	return out
}

// Handles reports whether the engine is configured for provider.
func (e *Engine) Handles(provider string) bool {
	_, ok := e.providers[provider]
	return ok
}

// Start begins a flow for provider. Any pending flow for the same provider is
// failed and its listener shut down before the new listener binds. The caller
// sends the user to the returned flow's AuthURL.
func (e *Engine) Start(ctx context.Context, provider string) (*Flow, error) {
	pc, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	// Serializes concurrent starts for one provider so only one of them
	// can own the callback port.
	return refreshlock.Do(ctx, e.locker, "oauthflow:"+provider, func(ctx context.Context) (*Flow, error) {
		e.supersede(provider)
		return e.start(ctx, pc)
	})
}

func (e *Engine) start(ctx context.Context, pc ProviderConfig) (*Flow, error) {
	state, err := randomURLSafeString(32)
	if err != nil {
		return nil, fmt.Errorf("generating oauth state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(e.listenHost, fmt.Sprint(pc.Port)))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetworkRetryable, pc.Name, err, "binding callback listener")
	}

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d%s", port, pc.CallbackPath)
	oc := oauthConfig(pc, redirectURI)

	flowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.flowTimeout)

	f := &Flow{
		Provider:    pc.Name,
		RedirectURI: redirectURI,
		AuthURL: oc.AuthCodeURL(state,
			oauth2.AccessTypeOffline,
			oauth2.S256ChallengeOption(verifier),
			oauth2.SetAuthURLParam("prompt", "consent"),
		),
		CreatedAt: e.now(),
		engine:    e,
		cfg:       pc,
		oauth:     oc,
		state:     state,
		verifier:  verifier,
		ctx:       flowCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ln:        ln,
	}
	f.app = newCallbackApp(f)

	e.mu.Lock()
	e.pending[pc.Name] = f
	e.mu.Unlock()

	go func() {
		if err := f.app.Listener(ln); err != nil {
			e.logger.Debug("callback listener stopped", zap.String("provider", pc.Name), zap.Error(err))
		}
	}()

	go func() {
		select {
		case <-f.done:
		case <-flowCtx.Done():
			if f.fail(autherr.New(autherr.KindAuthRequired, pc.Name, "timed out waiting for oauth callback")) {
				e.logger.Info("oauth flow timed out", zap.String("provider", pc.Name))
				e.auditor.Emit(flowCtx, publisher.EventFlowFailed, pc.Name, "", map[string]string{"reason": "timeout"})
			}
			e.teardown(f)
		}
	}()

	e.logger.Debug("oauth flow started",
		zap.String("provider", pc.Name),
		zap.String("redirect_uri", redirectURI),
	)
	e.auditor.Emit(ctx, publisher.EventFlowStarted, pc.Name, "", map[string]string{"flow": "pkce"})

	return f, nil
}

// Pending returns the pending flow for provider, or nil.
func (e *Engine) Pending(provider string) *Flow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[provider]
}

// Cancel fails and tears down the pending flow for provider. It reports
// whether a flow was pending.
func (e *Engine) Cancel(provider string) bool {
	f := e.Pending(provider)
	if f == nil {
		return false
	}
	if f.fail(autherr.New(autherr.KindAuthRequired, provider, "oauth flow cancelled")) {
		e.auditor.Emit(f.ctx, publisher.EventFlowFailed, provider, "", map[string]string{"reason": "cancelled"})
	}
	e.teardown(f)
	return true
}

// Close tears down every pending flow.
func (e *Engine) Close() error {
	e.mu.Lock()
	names := make([]string, 0, len(e.pending))
	for name := range e.pending {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		e.Cancel(name)
	}
	return nil
}

func (e *Engine) supersede(provider string) {
	f := e.Pending(provider)
	if f == nil {
		return
	}
	if f.fail(autherr.New(autherr.KindAuthRequired, provider, "superseded by a newer oauth flow")) {
		e.auditor.Emit(f.ctx, publisher.EventFlowFailed, provider, "", map[string]string{"reason": "superseded"})
	}
	e.teardown(f)
}

// teardown forgets f and shuts its listener down. It must not run on the
// listener's own handler goroutine.
//
// The app only closes a listener it is already serving. A flow torn down
// right after Start would otherwise keep its port bound.
func (e *Engine) teardown(f *Flow) {
	e.mu.Lock()
	if e.pending[f.Provider] == f {
		delete(e.pending, f.Provider)
	}
	e.mu.Unlock()

	f.shutdownOnce.Do(func() {
		if err := f.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			e.logger.Warn("shutting down callback listener", zap.String("provider", f.Provider), zap.Error(err))
		}
		if err := f.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.logger.Warn("closing callback listener", zap.String("provider", f.Provider), zap.Error(err))
		}
	})
}

func oauthConfig(pc ProviderConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   pc.AuthURL,
			TokenURL:  pc.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      pc.Scopes,
	}
}

func (e *Engine) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func randomURLSafeString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
