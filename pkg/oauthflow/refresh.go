package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
	"github.com/papercomputeco/authkeeper/pkg/refreshlock"
)

// Credential is a resolved OAuth credential.
type Credential struct {
	Token     string
	ProjectID string
	ExpiresAt time.Time
}

// Resolve returns the access token and project id for profileID, refreshing
// first when the token is within the expiry buffer. An empty profileID
// selects the provider's default profile.
func (e *Engine) Resolve(ctx context.Context, provider, profileID string) (*Credential, error) {
	if !e.Handles(provider) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if profileID == "" {
		profileID = credentials.DefaultID(provider)
	}

	profile, err := e.load(provider, profileID)
	if err != nil {
		return nil, err
	}

	if !profile.Fresh(e.now()) {
		if _, err := e.Refresh(ctx, profileID); err != nil {
			return nil, err
		}
		if profile, err = e.load(provider, profileID); err != nil {
			return nil, err
		}
	}

	return &Credential{
		Token:     profile.Access,
		ProjectID: profile.ProjectID,
		ExpiresAt: profile.ExpiresAt(),
	}, nil
}

// Refresh renews the access token of profileID under the profile's lock.
// When another caller already refreshed it while this one waited, the stored
// profile is returned without a network call. Nothing is written on failure.
func (e *Engine) Refresh(ctx context.Context, profileID string) (*credentials.OAuthProfile, error) {
	provider := credentials.ProviderOf(profileID)
	pc, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	return refreshlock.Do(ctx, e.locker, profileID, func(ctx context.Context) (*credentials.OAuthProfile, error) {
		profile, err := e.load(provider, profileID)
		if err != nil {
			return nil, err
		}
		if profile.Fresh(e.now()) {
			return profile, nil
		}
		if profile.Refresh == "" {
			return nil, autherr.New(autherr.KindAuthExpired, provider, "no refresh token stored")
		}

		// An empty access token forces the token source to use the refresh grant.
		ts := oauthConfig(pc, "").TokenSource(e.clientContext(ctx), &oauth2.Token{RefreshToken: profile.Refresh})
		tok, err := ts.Token()
		if err != nil {
			err = mapRefreshError(provider, err)
			e.logger.Warn("oauth refresh failed",
				zap.String("profile_id", profileID),
				zap.String("kind", string(autherr.KindOf(err))),
			)
			return nil, err
		}

		updated := *profile
		updated.Access = tok.AccessToken
		updated.Expires = e.expiryMillis(tok)
		updated.UpdatedAt = e.now().UnixMilli()
		if tok.RefreshToken != "" {
			updated.Refresh = tok.RefreshToken
		}

		if err := e.store.Set(profileID, &updated); err != nil {
			return nil, fmt.Errorf("saving %s: %w", profileID, err)
		}

		e.logger.Debug("oauth profile refreshed",
			zap.String("profile_id", profileID),
			zap.Time("expires_at", updated.ExpiresAt()),
		)
		e.auditor.Emit(ctx, publisher.EventProfileRefresh, provider, profileID, map[string]string{
			"expires_at": updated.ExpiresAt().UTC().Format(time.RFC3339),
			"rotated":    fmt.Sprint(updated.Refresh != profile.Refresh),
		})

		return &updated, nil
	})
}

// Delete removes profileID under its lock, so a refresh already in flight
// cannot write it back. It reports whether a profile was removed.
func (e *Engine) Delete(ctx context.Context, profileID string) (bool, error) {
	return refreshlock.Do(ctx, e.locker, profileID, func(context.Context) (bool, error) {
		return e.store.Delete(profileID)
	})
}

func (e *Engine) load(provider, profileID string) (*credentials.OAuthProfile, error) {
	profile, err := e.store.GetOAuth(profileID)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAuthRequired, provider, err, "reading profile")
	}
	if profile == nil || (profile.Access == "" && profile.Refresh == "") {
		return nil, autherr.New(autherr.KindAuthRequired, provider, "not connected")
	}
	return profile, nil
}

func (e *Engine) expiryMillis(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return e.now().Add(defaultTokenLifetime).UnixMilli()
	}
	return tok.Expiry.UnixMilli()
}

// mapRefreshError maps 400 and 401 from the token endpoint to AUTH_EXPIRED
// and everything else to NETWORK_RETRYABLE.
func mapRefreshError(provider string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return autherr.Wrap(autherr.KindAuthExpired, provider, err, "refresh token rejected")
		}
	}
	return autherr.Wrap(autherr.KindNetworkRetryable, provider, err, "refreshing access token")
}
