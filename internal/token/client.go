// Package token implements the Token Lifecycle Manager: stateless OAuth
// operations (Client, C4) plus the per-user record store, refresh
// serialization, hook registry, and drift-compensated background loop
// (Manager, C5).
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	refreshURL  = "https://id.twitch.tv/oauth2/token"
	validateURL = "https://id.twitch.tv/oauth2/validate"
)

// Outcome is the coarse, public result of a token operation.
type Outcome int

const (
	Valid Outcome = iota
	Refreshed
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Refreshed:
		return "refreshed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RefreshErrorKind is the internal classification of why a refresh
// failed. NonRecoverable failures fire invalidation hooks; Recoverable
// failures leave the record untouched for the next loop iteration.
type RefreshErrorKind int

const (
	Recoverable RefreshErrorKind = iota
	NonRecoverable
)

// RefreshError carries the internal kind alongside the public outcome
// it degrades to, without leaking wire-level nuance past the Manager.
type RefreshError struct {
	Kind RefreshErrorKind
	Err  error
}

func (e *RefreshError) Error() string { return e.Err.Error() }
func (e *RefreshError) Unwrap() error { return e.Err }

// Result is the outcome of a validate/refresh/ensureFresh call.
type Result struct {
	Outcome      Outcome
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero value means unknown
	Err          *RefreshError
}

// Client performs stateless OAuth validate/refresh HTTP calls for one
// (clientId, clientSecret) credential pair.
type Client struct {
	clientID               string
	clientSecret           string
	http                   *http.Client
	refreshThreshold       time.Duration
	refreshSafetyBuffer    time.Duration
	logger                 zerolog.Logger
}

// NewClient builds a Client for one application credential pair.
func NewClient(clientID, clientSecret string, httpClient *http.Client, refreshThreshold, safetyBuffer time.Duration, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		clientID:            clientID,
		clientSecret:        clientSecret,
		http:                httpClient,
		refreshThreshold:    refreshThreshold,
		refreshSafetyBuffer: safetyBuffer,
		logger:              logger.With().Str("component", "token_client").Logger(),
	}
}

// Validate checks an access token remotely. A non-200 response (including
// network failure) produces Outcome=Failed, never an error to the caller.
func (c *Client) Validate(ctx context.Context, username, accessToken string) Result {
	valid, expiry, err := c.validateRemote(ctx, username, accessToken)
	if err != nil {
		c.logger.Warn().Err(err).Str("user", username).Msg("token validation network error")
		return Result{Outcome: Failed}
	}
	if valid {
		return Result{Outcome: Valid, AccessToken: accessToken, Expiry: expiry}
	}
	return Result{Outcome: Failed}
}

// EnsureFresh implements the skip/validate/refresh decision tree of
// §4.4: skip outright if far from expiry and not forced, otherwise
// validate remotely, and fall through to Refresh only if still needed.
func (c *Client) EnsureFresh(ctx context.Context, username, accessToken, refreshToken string, expiry time.Time, forceRefresh bool) Result {
	if !forceRefresh && !expiry.IsZero() && time.Until(expiry) > c.refreshThreshold {
		return Result{Outcome: Skipped, AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiry}
	}

	if !forceRefresh {
		valid, remoteExpiry, err := c.validateRemote(ctx, username, accessToken)
		if err == nil && valid {
			finalExpiry := expiry
			if !remoteExpiry.IsZero() {
				finalExpiry = remoteExpiry
			}
			if !finalExpiry.IsZero() && time.Until(finalExpiry) > c.refreshThreshold {
				return Result{Outcome: Skipped, AccessToken: accessToken, RefreshToken: refreshToken, Expiry: finalExpiry}
			}
			c.logger.Info().Str("user", username).Msg("token valid but expiring soon, scheduling refresh")
		}
	}

	if refreshToken == "" {
		return Result{Outcome: Failed, Err: &RefreshError{Kind: NonRecoverable, Err: fmt.Errorf("no refresh token available")}}
	}
	return c.Refresh(ctx, username, refreshToken)
}

// Refresh exchanges refreshToken for a new access token. Any 401 is
// classified NonRecoverable unconditionally — including on a refresh
// token that was itself the product of a prior rotation — per the
// resolved Open Question on rotated-then-invalidated refresh tokens.
func (c *Client) Refresh(ctx context.Context, username, refreshToken string) Result {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return c.recoverableFailure(fmt.Errorf("build refresh request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("user", username).Msg("network error during token refresh")
		return c.recoverableFailure(fmt.Errorf("refresh request: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.AccessToken == "" {
			return c.recoverableFailure(fmt.Errorf("malformed refresh response"))
		}
		newRefresh := payload.RefreshToken
		if newRefresh == "" {
			newRefresh = refreshToken
		}
		var expiry time.Time
		if payload.ExpiresIn > 0 {
			expiry = bufferedExpiry(payload.ExpiresIn, c.refreshSafetyBuffer)
		}
		c.logger.Info().Str("user", username).Int("expires_in", payload.ExpiresIn).Msg("token refreshed")
		return Result{Outcome: Refreshed, AccessToken: payload.AccessToken, RefreshToken: newRefresh, Expiry: expiry}

	case http.StatusUnauthorized:
		return Result{Outcome: Failed, Err: &RefreshError{Kind: NonRecoverable, Err: fmt.Errorf("unauthorized during token refresh")}}

	case http.StatusTooManyRequests:
		return c.recoverableFailure(fmt.Errorf("rate limited during token refresh"))

	default:
		return c.recoverableFailure(fmt.Errorf("unexpected status %d during token refresh", resp.StatusCode))
	}
}

func (c *Client) recoverableFailure(err error) Result {
	return Result{Outcome: Failed, Err: &RefreshError{Kind: Recoverable, Err: err}}
}

func (c *Client) validateRemote(ctx context.Context, username, accessToken string) (bool, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("validate request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			ExpiresIn int `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return true, time.Time{}, nil
		}
		var expiry time.Time
		if payload.ExpiresIn > 0 {
			expiry = bufferedExpiry(payload.ExpiresIn, c.refreshSafetyBuffer)
		}
		return true, expiry, nil
	case http.StatusUnauthorized:
		c.logger.Info().Str("user", username).Msg("token validation failed: expired")
		return false, time.Time{}, nil
	case http.StatusTooManyRequests:
		c.logger.Warn().Str("user", username).Msg("token validation rate limited")
		return false, time.Time{}, nil
	default:
		c.logger.Warn().Str("user", username).Int("status", resp.StatusCode).Msg("token validation failed")
		return false, time.Time{}, nil
	}
}

func bufferedExpiry(expiresInSeconds int, safetyBuffer time.Duration) time.Time {
	safe := time.Duration(expiresInSeconds)*time.Second - safetyBuffer
	if safe < 0 {
		safe = 0
	}
	return time.Now().Add(safe)
}
