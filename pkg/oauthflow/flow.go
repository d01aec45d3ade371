package oauthflow

import (
	"bytes"
	"context"
	"crypto/subtle"
	_ "embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
)

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	successTmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTmpl   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// Flow is one pending authorization. It resolves exactly once: with the
// persisted profile, or with an error when the callback fails, the flow is
// superseded or cancelled, or the timeout elapses.
type Flow struct {
	Provider    string
	AuthURL     string
	RedirectURI string
	CreatedAt   time.Time

	engine   *Engine
	cfg      ProviderConfig
	oauth    *oauth2.Config
	state    string
	verifier string
	app      *fiber.App
	ln       net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	finished     bool
	handling     bool
	profile      *credentials.OAuthProfile
	err          error
	done         chan struct{}
	shutdownOnce sync.Once
}

// Done is closed once the flow has resolved.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the flow resolves or ctx is done.
func (f *Flow) Wait(ctx context.Context) (*credentials.OAuthProfile, error) {
	select {
	case <-f.done:
		return f.profile, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail resolves the flow with err. It reports whether this call resolved it.
func (f *Flow) fail(err error) bool {
	_, ok := f.settle(func() (*credentials.OAuthProfile, error) { return nil, err })
	return ok
}

// settle runs fn and resolves the flow with its result, unless the flow has
// already resolved, in which case fn is not run.
func (f *Flow) settle(fn func() (*credentials.OAuthProfile, error)) (*credentials.OAuthProfile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return nil, false
	}
	f.profile, f.err = fn()
	f.finished = true
	close(f.done)
	f.cancel()
	return f.profile, true
}

// claim marks the callback as being handled. Only the first callback for a
// flow is processed.
func (f *Flow) claim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished || f.handling {
		return false
	}
	f.handling = true
	return true
}

func newCallbackApp(f *Flow) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
	})
	app.Get(f.cfg.CallbackPath, f.handleCallback)
	return app
}

func (f *Flow) handleCallback(c *fiber.Ctx) error {
	c.Set("X-Content-Type-Options", "nosniff")
	c.Set("X-Frame-Options", "DENY")
	c.Set("Referrer-Policy", "no-referrer")
	c.Set("Cache-Control", "no-store")

	if !f.claim() {
		return renderError(c, http.StatusBadRequest, "Sign-in expired", "This sign-in link is no longer active.")
	}

	e := f.engine
	logger := e.logger.With(zap.String("provider", f.Provider))

	code := c.Query("code")
	state := c.Query("state")
	oauthErr := c.Query("error")

	// Callbacks always end the flow; the listener goes away once the
	// response has been written.
	defer func() { go e.teardown(f) }()

	switch {
	case oauthErr != "":
		kind := autherr.KindAuthRequired
		if oauthErr == "access_denied" {
			kind = autherr.KindAccessDenied
		}
		f.fail(autherr.New(kind, f.Provider, "authorization failed: "+oauthErr))
		logger.Info("oauth callback returned error", zap.String("error", oauthErr))
		e.auditor.Emit(f.ctx, publisher.EventFlowFailed, f.Provider, "", map[string]string{"reason": oauthErr})
		return renderError(c, http.StatusBadRequest, "Sign-in failed", "The provider reported: "+oauthErr)

	case subtle.ConstantTimeCompare([]byte(state), []byte(f.state)) != 1:
		f.fail(autherr.New(autherr.KindAuthRequired, f.Provider, "oauth state mismatch"))
		logger.Warn("oauth callback state mismatch")
		e.auditor.Emit(f.ctx, publisher.EventFlowFailed, f.Provider, "", map[string]string{"reason": "state_mismatch"})
		return renderError(c, http.StatusBadRequest, "Security check failed",
			"The sign-in response did not match this request.")

	case code == "":
		f.fail(autherr.New(autherr.KindAuthRequired, f.Provider, "oauth callback missing code"))
		e.auditor.Emit(f.ctx, publisher.EventFlowFailed, f.Provider, "", map[string]string{"reason": "missing_code"})
		return renderError(c, http.StatusBadRequest, "Sign-in failed", "No authorization code was returned.")
	}

	profile, err := f.complete(code)
	if err != nil {
		logger.Warn("oauth flow failed", zap.String("kind", string(autherr.KindOf(err))), zap.Error(err))
		e.auditor.Emit(f.ctx, publisher.EventFlowFailed, f.Provider, "", map[string]string{"reason": "exchange"})
		return renderError(c, http.StatusBadGateway, "Sign-in failed", "Could not complete sign-in with the provider.")
	}

	profileID := credentials.DefaultID(f.Provider)
	logger.Info("oauth flow complete", zap.String("profile_id", profileID), zap.Time("expires_at", profile.ExpiresAt()))
	e.auditor.Emit(f.ctx, publisher.EventFlowCompleted, f.Provider, profileID, map[string]string{"flow": "pkce"})
	e.auditor.Emit(f.ctx, publisher.EventProfileSaved, f.Provider, profileID, nil)

	return render(c, http.StatusOK, successTmpl, map[string]string{"Provider": f.Provider})
}

// complete exchanges code, enriches the profile, and persists it under the
// profile's lock. The profile is written only if the flow is still unresolved.
func (f *Flow) complete(code string) (*credentials.OAuthProfile, error) {
	e := f.engine

	tok, err := f.oauth.Exchange(e.clientContext(f.ctx), code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		err = mapExchangeError(f.Provider, err)
		f.fail(err)
		return nil, err
	}

	email := e.fetchEmail(f.ctx, f.cfg, tok.AccessToken)
	projectID := e.discoverProject(f.ctx, f.cfg, tok.AccessToken)

	profile := &credentials.OAuthProfile{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		Expires:   e.expiryMillis(tok),
		ProjectID: projectID,
		Email:     email,
		UpdatedAt: e.now().UnixMilli(),
	}

	profileID := credentials.DefaultID(f.Provider)

	var (
		saveErr error
		ok      bool
	)
	lockErr := e.locker.WithLock(f.ctx, profileID, func(context.Context) error {
		_, ok = f.settle(func() (*credentials.OAuthProfile, error) {
			if err := e.store.Set(profileID, profile); err != nil {
				saveErr = err
				return nil, err
			}
			return profile, nil
		})
		return nil
	})
	if lockErr != nil || !ok {
		return nil, errors.New("oauth flow ended before the callback completed")
	}
	if saveErr != nil {
		return nil, saveErr
	}
	return profile, nil
}

func mapExchangeError(provider string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		return autherr.Wrap(autherr.KindAuthRequired, provider, err, "exchanging authorization code")
	}
	return autherr.Wrap(autherr.KindNetworkRetryable, provider, err, "exchanging authorization code")
}

func renderError(c *fiber.Ctx, status int, title, message string) error {
	return render(c, status, errorTmpl, map[string]string{"Title": title, "Message": message})
}

func render(c *fiber.Ctx, status int, tmpl *template.Template, data map[string]string) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return c.Status(http.StatusInternalServerError).SendString("Internal Server Error")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).Send(buf.Bytes())
}
