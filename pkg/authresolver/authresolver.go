// Package authresolver is the single entry point for credentials: it
// dispatches "give me fresh credentials for provider X" to the resolver for
// that provider's family and exposes the acquisition and disconnect
// operations.
package authresolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/config"
	"github.com/papercomputeco/authkeeper/pkg/copilot"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/oauthflow"
	"github.com/papercomputeco/authkeeper/pkg/providers"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
	"github.com/papercomputeco/authkeeper/pkg/refreshlock"
)

type resolveFunc func(ctx context.Context, provider, profileID string) (Bundle, error)

// Config configures a Resolver. Store, Copilot and OAuth are required.
type Config struct {
	Store   *credentials.Manager
	Copilot *copilot.Resolver
	OAuth   *oauthflow.Engine
	Auditor *publisher.Auditor
	Logger  *zap.Logger
}

// Resolver dispatches by provider name.
type Resolver struct {
	store    *credentials.Manager
	copilot  *copilot.Resolver
	oauth    *oauthflow.Engine
	auditor  *publisher.Auditor
	logger   *zap.Logger
	dispatch map[string]resolveFunc
}

// New creates a Resolver over already constructed provider resolvers.
func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Resolver{
		store:   cfg.Store,
		copilot: cfg.Copilot,
		oauth:   cfg.OAuth,
		auditor: cfg.Auditor,
		logger:  cfg.Logger,
	}

	r.dispatch = make(map[string]resolveFunc)
	for _, name := range providers.SupportedProviders() {
		info, _ := providers.Lookup(name)
		switch info.Family {
		case providers.FamilyToken:
			r.dispatch[name] = r.resolveToken
		case providers.FamilyOAuth:
			if r.oauth.Handles(name) {
				r.dispatch[name] = r.resolveOAuth
			}
		}
	}

	return r
}

// Options builds a fully wired Resolver with NewFromConfig.
type Options struct {
	Store      *credentials.Manager
	Config     *config.Config
	HTTPClient *http.Client
	Auditor    *publisher.Auditor
	Logger     *zap.Logger
}

// NewFromConfig wires the copilot resolver and the OAuth engine with a shared
// refresh lock and returns the facade over them.
func NewFromConfig(opts Options) *Resolver {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Config.Timeout()}
	}
	locker := refreshlock.New()

	return New(Config{
		Store: opts.Store,
		Copilot: copilot.New(copilot.Config{
			Store:      opts.Store,
			Locker:     locker,
			HTTPClient: opts.HTTPClient,
			Auditor:    opts.Auditor,
			Logger:     opts.Logger,
		}),
		OAuth: oauthflow.New(oauthflow.Config{
			Store:      opts.Store,
			Locker:     locker,
			HTTPClient: opts.HTTPClient,
			Auditor:    opts.Auditor,
			Logger:     opts.Logger,
			Providers:  oauthflow.DefaultProviders(opts.Config),
		}),
		Auditor: opts.Auditor,
		Logger:  opts.Logger,
	})
}

// Resolve returns fresh credentials for provider. An empty profileID selects
// the provider's default profile. Unknown providers fail with AUTH_REQUIRED.
func (r *Resolver) Resolve(ctx context.Context, provider, profileID string) (Bundle, error) {
	fn, ok := r.dispatch[provider]
	if !ok {
		return nil, autherr.New(autherr.KindAuthRequired, provider, fmt.Sprintf(
			"unsupported provider (supported: %s)", strings.Join(providers.SupportedProviders(), ", ")))
	}
	return fn(ctx, provider, profileID)
}

func (r *Resolver) resolveToken(ctx context.Context, provider, profileID string) (Bundle, error) {
	token, err := r.copilot.Resolve(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return &BearerBundle{Provider: provider, BearerToken: token}, nil
}

func (r *Resolver) resolveOAuth(ctx context.Context, provider, profileID string) (Bundle, error) {
	cred, err := r.oauth.Resolve(ctx, provider, profileID)
	if err != nil {
		return nil, err
	}
	return &ProjectBundle{
		Provider:  provider,
		Token:     cred.Token,
		ProjectID: cred.ProjectID,
		ExpiresAt: cred.ExpiresAt,
	}, nil
}

// StartDeviceFlow begins the device authorization grant for the token family.
func (r *Resolver) StartDeviceFlow(ctx context.Context) (*copilot.DeviceCode, error) {
	return r.copilot.StartDeviceFlow(ctx)
}

// PollDeviceFlow polls a device code once.
func (r *Resolver) PollDeviceFlow(ctx context.Context, code *copilot.DeviceCode) (*copilot.PollResult, error) {
	return r.copilot.Poll(ctx, code)
}

// WaitForDeviceFlow polls a device code until it completes or fails.
func (r *Resolver) WaitForDeviceFlow(ctx context.Context, code *copilot.DeviceCode) (*credentials.TokenProfile, error) {
	return r.copilot.WaitForAuthorization(ctx, code)
}

// StartOAuthFlow begins a PKCE flow for an OAuth-family provider.
func (r *Resolver) StartOAuthFlow(ctx context.Context, provider string) (*oauthflow.Flow, error) {
	if !r.oauth.Handles(provider) {
		return nil, autherr.New(autherr.KindAuthRequired, provider, "not an oauth provider")
	}
	return r.oauth.Start(ctx, provider)
}

// Family returns the authentication family of a supported provider.
func (r *Resolver) Family(provider string) (providers.Family, error) {
	info, ok := providers.Lookup(provider)
	if !ok {
		return "", fmt.Errorf("%w: %q", providers.ErrUnknownProvider, provider)
	}
	return info.Family, nil
}

// Disconnect deletes a profile under its lock and drops any cached runtime
// token for it. It reports whether a profile was removed.
func (r *Resolver) Disconnect(ctx context.Context, provider, profileID string) (bool, error) {
	if !providers.IsSupportedProvider(provider) {
		return false, fmt.Errorf("%w: %q", providers.ErrUnknownProvider, provider)
	}
	if profileID == "" {
		profileID = credentials.DefaultID(provider)
	}
	if credentials.ProviderOf(profileID) != provider {
		return false, errors.New("profile " + profileID + " does not belong to " + provider)
	}

	removed, err := r.deleteProfile(ctx, provider, profileID)
	if err != nil {
		return false, err
	}

	if removed {
		r.logger.Info("profile disconnected", zap.String("profile_id", profileID))
		r.auditor.Emit(ctx, publisher.EventProfileDeleted, provider, profileID, nil)
	}
	return removed, nil
}

// deleteProfile removes profileID through the resolver that owns it so the
// delete is ordered with any refresh or exchange for the same profile.
func (r *Resolver) deleteProfile(ctx context.Context, provider, profileID string) (bool, error) {
	info, _ := providers.Lookup(provider)
	if info.Family == providers.FamilyOAuth && r.oauth.Handles(provider) {
		return r.oauth.Delete(ctx, profileID)
	}
	return r.copilot.Delete(ctx, profileID)
}

// WatchStore starts invalidating cached runtime tokens on external store changes.
func (r *Resolver) WatchStore() (*credentials.Watcher, error) {
	return r.copilot.WatchStore()
}

// Close tears down pending OAuth flows.
func (r *Resolver) Close() error {
	return r.oauth.Close()
}
