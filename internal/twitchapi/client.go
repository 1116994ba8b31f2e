// Package twitchapi is the authenticated Helix/OAuth HTTP client. Request
// (and GetUsersByLogin, built on it) is wrapped by the "api" circuit
// breaker and paced by the shared rate limiter. An open breaker yields a
// synthetic 503 response with no error; a transport or encoding failure
// yields an empty-body response with status 0 together with the error.
// ValidateToken calls the OAuth endpoint directly, outside the breaker
// and the rate limiter.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/breaker"
	"github.com/adred-codev/twitch-eventsub-runtime/internal/ratelimit"
)

const (
	heliXBaseURL  = "https://api.twitch.tv/helix"
	validateURL   = "https://id.twitch.tv/oauth2/validate"
	requestPoints = 1
)

// Response bundles a Helix/OAuth API response for a caller: the parsed
// JSON body (empty map on 204 or on parse failure), the observed HTTP
// status, and the raw response headers (for rate-limit bookkeeping).
type Response struct {
	Body    map[string]any
	Status  int
	Headers http.Header
}

// Client is the shared Helix API client.
type Client struct {
	http    *http.Client
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// New constructs a Client backed by the given circuit breaker and rate
// limiter, both shared singletons owned by the caller.
func New(httpClient *http.Client, cb *breaker.Breaker, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		breaker: cb,
		limiter: limiter,
		logger:  logger.With().Str("component", "twitch_api").Logger(),
	}
}

// Request performs a raw authenticated call against a Helix endpoint.
// On HTTP 204 the body is not parsed. If the circuit breaker is OPEN the
// call never reaches the network and a synthetic 503 is returned.
func (c *Client) Request(ctx context.Context, method, endpoint, accessToken, clientID string, query url.Values, jsonBody any) (Response, error) {
	key := ratelimit.Key{ClientID: clientID, Subject: "app"}
	c.limiter.WaitIfNeeded(key, requestPoints)

	var result Response
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		resp, reqErr := c.doRequest(ctx, method, endpoint, accessToken, clientID, query, jsonBody)
		if reqErr != nil {
			return reqErr
		}
		result = resp
		c.limiter.UpdateFromHeaders(key, resp.Headers)
		if resp.Status == http.StatusTooManyRequests {
			c.limiter.Handle429(key, resp.Headers)
		}
		return nil
	})
	if err != nil {
		if err == breaker.ErrOpen {
			c.logger.Error().Str("method", method).Str("endpoint", endpoint).Msg("request blocked by circuit breaker")
			return Response{Body: map[string]any{}, Status: http.StatusServiceUnavailable, Headers: http.Header{"X-Circuit-Breaker": []string{"OPEN"}}}, nil
		}
		return Response{Body: map[string]any{}, Status: 0, Headers: http.Header{}}, err
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint, accessToken, clientID string, query url.Values, jsonBody any) (Response, error) {
	u := fmt.Sprintf("%s/%s", heliXBaseURL, strings.TrimPrefix(endpoint, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if jsonBody != nil {
		encoded, err := json.Marshal(jsonBody)
		if err != nil {
			return Response{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("twitch api %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return Response{Body: map[string]any{}, Status: resp.StatusCode, Headers: resp.Header}, nil
	}

	var parsed map[string]any
	if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil && decodeErr != io.EOF {
		c.logger.Warn().Err(decodeErr).Str("endpoint", endpoint).Msg("failed to decode response body")
		parsed = map[string]any{}
	}
	return Response{Body: parsed, Status: resp.StatusCode, Headers: resp.Header}, nil
}

// ValidateTokenInfo is the subset of the OAuth2 validate response this
// runtime consumes.
type ValidateTokenInfo struct {
	Scopes    []string
	ExpiresIn int
}

// ValidateToken calls the OAuth2 validate endpoint directly (it lives
// under id.twitch.tv, not Helix, so it bypasses Request). Returns nil on
// any non-200 status.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (*ValidateTokenInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var payload struct {
		Scopes    []string `json:"scopes"`
		ExpiresIn int      `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &ValidateTokenInfo{Scopes: payload.Scopes, ExpiresIn: payload.ExpiresIn}, nil
}

// GetUsersByLogin resolves up to 100 login names per call, returning a
// map of lowercased login to user id. Unknown logins are simply absent.
func (c *Client) GetUsersByLogin(ctx context.Context, accessToken, clientID string, logins []string) (map[string]string, error) {
	if len(logins) == 0 {
		return map[string]string{}, nil
	}

	query := url.Values{}
	for _, login := range logins {
		query.Add("login", strings.ToLower(login))
	}

	resp, err := c.Request(ctx, http.MethodGet, "users", accessToken, clientID, query, nil)
	if err != nil {
		return nil, err
	}

	out := map[string]string{}
	rows, _ := resp.Body["data"].([]any)
	for _, row := range rows {
		entry, ok := row.(map[string]any)
		if !ok {
			continue
		}
		login, _ := entry["login"].(string)
		id, _ := entry["id"].(string)
		if login != "" && id != "" {
			out[strings.ToLower(login)] = id
		}
	}
	return out, nil
}
