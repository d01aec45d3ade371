package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
)

const (
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	defaultPollInterval = 5 * time.Second

	// slowDownIncrement is added to the interval when slow_down carries no
	// usable interval of its own.
	slowDownIncrement = 5 * time.Second
)

// PollState is the outcome of one device flow poll.
type PollState string

const (
	PollPending  PollState = "pending"
	PollSlowDown PollState = "slow_down"
	PollComplete PollState = "complete"
	PollExpired  PollState = "expired"
	PollDenied   PollState = "denied"
)

// Terminal reports whether polling should stop.
func (s PollState) Terminal() bool {
	switch s {
	case PollComplete, PollExpired, PollDenied:
		return true
	default:
		return false
	}
}

// DeviceCode is an issued device authorization.
type DeviceCode struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                time.Duration
}

// PollResult is the outcome of Poll. Interval is the cadence to use for the
// next poll; Profile is set only when State is PollComplete.
type PollResult struct {
	State    PollState
	Interval time.Duration
	Profile  *credentials.TokenProfile
}

// StartDeviceFlow requests a device code from GitHub.
func (r *Resolver) StartDeviceFlow(ctx context.Context) (*DeviceCode, error) {
	resp, err := r.oauth.DeviceAuth(r.clientContext(ctx))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, autherr.FromStatus(Provider, re.Response.StatusCode, "device code request failed")
		}
		return nil, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "requesting device code")
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	r.auditor.Emit(ctx, publisher.EventFlowStarted, Provider, "", map[string]string{"flow": "device"})

	return &DeviceCode{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresAt:               resp.Expiry,
		Interval:                interval,
	}, nil
}

type accessTokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int64  `json:"interval"`
}

// Poll submits the device code once. Nothing is persisted before the
// complete state; on complete the personal token is stored under the default
// profile id and any cached runtime token is dropped.
func (r *Resolver) Poll(ctx context.Context, code *DeviceCode) (*PollResult, error) {
	if code == nil || code.DeviceCode == "" {
		return nil, errors.New("device code is required")
	}

	interval := code.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	parsed, status, err := r.pollOnce(ctx, code.DeviceCode)
	if err != nil {
		return nil, err
	}

	switch {
	case parsed.AccessToken != "":
		profile, err := r.complete(ctx, parsed.AccessToken)
		if err != nil {
			return nil, err
		}
		return &PollResult{State: PollComplete, Interval: interval, Profile: profile}, nil

	case parsed.Error == "authorization_pending":
		return &PollResult{State: PollPending, Interval: interval}, nil

	case parsed.Error == "slow_down":
		next := interval + slowDownIncrement
		if announced := time.Duration(parsed.Interval) * time.Second; announced > interval {
			next = announced
		}
		r.logger.Debug("device flow slow_down", zap.Duration("interval", next))
		return &PollResult{State: PollSlowDown, Interval: next}, nil

	case parsed.Error == "expired_token":
		r.auditor.Emit(ctx, publisher.EventFlowFailed, Provider, "", map[string]string{"reason": "expired"})
		return &PollResult{State: PollExpired, Interval: interval}, nil

	case parsed.Error == "access_denied":
		r.auditor.Emit(ctx, publisher.EventFlowFailed, Provider, "", map[string]string{"reason": "denied"})
		return &PollResult{State: PollDenied, Interval: interval}, nil

	case parsed.Error != "":
		msg := parsed.Error
		if parsed.ErrorDescription != "" {
			msg += ": " + parsed.ErrorDescription
		}
		r.auditor.Emit(ctx, publisher.EventFlowFailed, Provider, "", map[string]string{"reason": parsed.Error})
		return nil, autherr.New(autherr.KindAuthRequired, Provider, "device flow failed: "+msg)

	default:
		return nil, autherr.New(autherr.KindNetworkRetryable, Provider,
			"unexpected device poll response ("+strconv.Itoa(status)+")")
	}
}

// WaitForAuthorization polls at the code's interval, honoring slow_down,
// until the grant completes, fails, expires, or ctx is done.
func (r *Resolver) WaitForAuthorization(ctx context.Context, code *DeviceCode) (*credentials.TokenProfile, error) {
	if code == nil {
		return nil, errors.New("device code is required")
	}

	interval := code.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		if err := r.sleep(ctx, interval); err != nil {
			return nil, err
		}
		if !code.ExpiresAt.IsZero() && r.now().After(code.ExpiresAt) {
			return nil, autherr.New(autherr.KindAuthRequired, Provider, "device code expired")
		}

		res, err := r.Poll(ctx, &DeviceCode{DeviceCode: code.DeviceCode, Interval: interval})
		if err != nil {
			return nil, err
		}
		interval = res.Interval

		switch res.State {
		case PollComplete:
			return res.Profile, nil
		case PollExpired:
			return nil, autherr.New(autherr.KindAuthRequired, Provider, "device code expired")
		case PollDenied:
			return nil, autherr.New(autherr.KindAccessDenied, Provider, "authorization denied by user")
		}
	}
}

func (r *Resolver) pollOnce(ctx context.Context, deviceCode string) (*accessTokenResponse, int, error) {
	form := url.Values{}
	form.Set("client_id", r.oauth.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", deviceGrantType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoints.AccessTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("creating poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "polling device token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "reading device token")
	}

	var parsed accessTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, resp.StatusCode, autherr.New(autherr.KindNetworkRetryable, Provider,
				"device token poll failed ("+strconv.Itoa(resp.StatusCode)+")")
		}
		return nil, resp.StatusCode, autherr.Wrap(autherr.KindNetworkRetryable, Provider, err, "parsing device token")
	}

	return &parsed, resp.StatusCode, nil
}

func (r *Resolver) complete(ctx context.Context, token string) (*credentials.TokenProfile, error) {
	profileID := credentials.DefaultID(Provider)
	profile := &credentials.TokenProfile{
		Token:     token,
		Email:     r.fetchLogin(ctx, token),
		UpdatedAt: r.now().UnixMilli(),
	}

	err := r.locker.WithLock(ctx, profileID, func(context.Context) error {
		if err := r.store.Set(profileID, profile); err != nil {
			return fmt.Errorf("saving %s: %w", profileID, err)
		}
		r.Invalidate(profileID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("device flow complete", zap.String("profile_id", profileID))
	r.auditor.Emit(ctx, publisher.EventFlowCompleted, Provider, profileID, map[string]string{"flow": "device"})
	r.auditor.Emit(ctx, publisher.EventProfileSaved, Provider, profileID, nil)

	return profile, nil
}

// fetchLogin returns the account email, falling back to the login name.
// Failures yield "".
func (r *Resolver) fetchLogin(ctx context.Context, token string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoints.UserURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Debug("account lookup failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Debug("account lookup failed", zap.Int("status", resp.StatusCode))
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ""
	}

	if email := gjson.GetBytes(body, "email").String(); email != "" {
		return email
	}
	return gjson.GetBytes(body, "login").String()
}

func (r *Resolver) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
}
