// Package copilot resolves credentials for the GitHub Copilot provider. A
// long-lived personal token, obtained once through the device authorization
// grant and persisted as a token profile, is exchanged for a short-lived
// runtime token that is cached in memory.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/providers"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
	"github.com/papercomputeco/authkeeper/pkg/refreshlock"
)

const (
	// Provider is the registry name handled by this package.
	Provider = providers.GitHubCopilot

	// DefaultClientID is the public OAuth app id of the Copilot editor plugins.
	DefaultClientID = "Iv1.b507a08c87ecfe98"

	defaultTokenExchangeURL = "https://api.github.com/copilot_internal/v2/token"
	defaultUserURL          = "https://api.github.com/user"

	// defaultRuntimeLifetime applies when the exchange omits expires_at.
	defaultRuntimeLifetime = 30 * time.Minute

	maxResponseBytes = 1 << 20
)

// Endpoints are the GitHub URLs used by the resolver.
type Endpoints struct {
	DeviceCodeURL    string
	AccessTokenURL   string
	TokenExchangeURL string
	UserURL          string
}

// DefaultEndpoints returns the public GitHub endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		DeviceCodeURL:    github.Endpoint.DeviceAuthURL,
		AccessTokenURL:   github.Endpoint.TokenURL,
		TokenExchangeURL: defaultTokenExchangeURL,
		UserURL:          defaultUserURL,
	}
}

// Config configures a Resolver. Store is required; everything else has a
// usable default.
type Config struct {
	Store      *credentials.Manager
	Locker     *refreshlock.Locker
	HTTPClient *http.Client
	Auditor    *publisher.Auditor
	Logger     *zap.Logger
	Endpoints  Endpoints
	ClientID   string
}

// runtimeToken is an exchanged Copilot token. source is the personal token
// it was derived from, so a replaced personal token never reuses it.
type runtimeToken struct {
	token   string
	expires time.Time
	source  string
}

// Resolver owns the device flow, the runtime token exchange, and the
// in-memory runtime token cache.
type Resolver struct {
	store      *credentials.Manager
	locker     *refreshlock.Locker
	httpClient *http.Client
	auditor    *publisher.Auditor
	logger     *zap.Logger
	endpoints  Endpoints
	oauth      *oauth2.Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	cache map[string]*runtimeToken
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	if cfg.Locker == nil {
		cfg.Locker = refreshlock.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}

	ep := DefaultEndpoints()
	if cfg.Endpoints.DeviceCodeURL != "" {
		ep.DeviceCodeURL = cfg.Endpoints.DeviceCodeURL
	}
	if cfg.Endpoints.AccessTokenURL != "" {
		ep.AccessTokenURL = cfg.Endpoints.AccessTokenURL
	}
	if cfg.Endpoints.TokenExchangeURL != "" {
		ep.TokenExchangeURL = cfg.Endpoints.TokenExchangeURL
	}
	if cfg.Endpoints.UserURL != "" {
		ep.UserURL = cfg.Endpoints.UserURL
	}

	return &Resolver{
		store:      cfg.Store,
		locker:     cfg.Locker,
		httpClient: cfg.HTTPClient,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger.With(zap.String("provider", Provider)),
		endpoints:  ep,
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: ep.DeviceCodeURL,
				TokenURL:      ep.AccessTokenURL,
			},
			Scopes: []string{"read:user"},
		},
		now:   time.Now,
		sleep: sleepCtx,
		cache: make(map[string]*runtimeToken),
	}
}

// Resolve returns a runtime bearer token for profileID, exchanging the stored
// personal token when the cached one is missing or within the expiry buffer.
// An empty profileID selects the default profile.
func (r *Resolver) Resolve(ctx context.Context, profileID string) (string, error) {
	if profileID == "" {
		profileID = credentials.DefaultID(Provider)
	}

	return refreshlock.Do(ctx, r.locker, profileID, func(ctx context.Context) (string, error) {
		profile, err := r.store.GetToken(profileID)
		if err != nil {
			return "", autherr.Wrap(autherr.KindAuthRequired, Provider, err, "reading profile")
		}
		if profile == nil || profile.Token == "" {
			return "", autherr.New(autherr.KindAuthRequired, Provider, "not connected")
		}

		if cached := r.cached(profileID, profile.Token); cached != "" {
			return cached, nil
		}

		rt, err := r.exchange(ctx, profile.Token)
		if err != nil {
			r.logger.Warn("runtime token exchange failed",
				zap.String("profile_id", profileID),
				zap.String("kind", string(autherr.KindOf(err))),
			)
			return "", err
		}

		r.mu.Lock()
		r.cache[profileID] = rt
		r.mu.Unlock()

		r.logger.Debug("runtime token exchanged",
			zap.String("profile_id", profileID),
			zap.Time("expires_at", rt.expires),
		)
		r.auditor.Emit(ctx, publisher.EventProfileRefresh, Provider, profileID, map[string]string{
			"credential": "runtime_token",
			"expires_at": rt.expires.UTC().Format(time.RFC3339),
		})

		return rt.token, nil
	})
}

// Invalidate drops the cached runtime token for profileID.
func (r *Resolver) Invalidate(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, profileID)
}

// Delete removes profileID under its lock and drops its cached runtime token.
// It reports whether a profile was removed.
func (r *Resolver) Delete(ctx context.Context, profileID string) (bool, error) {
	return refreshlock.Do(ctx, r.locker, profileID, func(context.Context) (bool, error) {
		removed, err := r.store.Delete(profileID)
		if err != nil {
			return false, err
		}
		r.Invalidate(profileID)
		return removed, nil
	})
}

// InvalidateAll drops every cached runtime token.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

// WatchStore invalidates the runtime token cache whenever the credential
// store changes on disk. The caller closes the returned watcher.
func (r *Resolver) WatchStore() (*credentials.Watcher, error) {
	return r.store.Watch(r.InvalidateAll)
}

func (r *Resolver) cached(profileID, source string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.cache[profileID]
	if !ok {
		return ""
	}
	if rt.source != source || !r.now().Add(credentials.ExpiryBuffer).Before(rt.expires) {
		delete(r.cache, profileID)
		return ""
	}
	return rt.token
}

type exchangeResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (r *Resolver) exchange(ctx context.Context, personal string) (*runtimeToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoints.TokenExchangeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+personal)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "requesting runtime token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "reading runtime token")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, autherr.FromStatus(Provider, resp.StatusCode,
			"runtime token exchange failed ("+strconv.Itoa(resp.StatusCode)+")")
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "parsing runtime token")
	}
	if parsed.Token == "" {
		return nil, autherr.New(autherr.KindNetworkRetryable, Provider, "runtime token response missing token")
	}

	expires := r.now().Add(defaultRuntimeLifetime)
	if parsed.ExpiresAt > 0 {
		expires = time.Unix(parsed.ExpiresAt, 0)
	}

	return &runtimeToken{token: parsed.Token, expires: expires, source: personal}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
