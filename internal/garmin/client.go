package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"runningcoach-garmin-sync/internal/metrics"
)

const (
	authorizeURL = "https://connect.garmin.com/oauth2Confirm"
	tokenURL     = "https://diauth.garmin.com/di-oauth2-service/oauth/token"
	apiBase      = "https://apis.garmin.com/wellness-api/rest"

	maxRetries   = 3
	initialDelay = 1 * time.Second
	maxDelay     = 2 * time.Minute
)

// Client is a Garmin Health API client. Token refresh policy lives in the
// token store; methods here take an access token explicitly
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	logger       *slog.Logger

	// Overridable for tests
	tokenBase string
	apiRoot   string
}

// NewClient creates a new Garmin API client
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       slog.Default(),
		tokenBase:    tokenURL,
		apiRoot:      apiBase,
	}
}

// TokenResponse represents the response from a token exchange or refresh
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// AuthorizeURL builds the user-facing authorization URL with PKCE
func (c *Client) AuthorizeURL(redirectURI, state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {c.clientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return fmt.Sprintf("%s?%s", authorizeURL, params.Encode())
}

// ExchangeCode exchanges an authorization code for access and refresh tokens
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"code_verifier": {codeVerifier},
		"redirect_uri":  {redirectURI},
	}
	return c.tokenRequest(ctx, metrics.OpExchangeCode, form)
}

// RefreshToken refreshes an access token using a refresh token. A
// rejection (400/401) is an AuthError: the stored refresh token is dead
// and the user must re-authorize
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, metrics.OpRefreshToken, form)
}

func (c *Client) tokenRequest(ctx context.Context, operation string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenBase, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("token request failed", "operation", operation, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("%s failed: %w", operation, err)
	}
	defer resp.Body.Close()

	statusStr := strconv.Itoa(resp.StatusCode)
	metrics.GarminAPIRequestsTotal.WithLabelValues(operation, statusStr).Inc()
	metrics.GarminAPIRequestDuration.WithLabelValues(operation, statusStr).Observe(duration.Seconds())

	c.logger.Info("garmin_token_request", "operation", operation, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &AuthError{
			Operation: operation,
			Cause:     &HTTPError{StatusCode: resp.StatusCode, Body: string(bodyBytes)},
		}
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	return &tokenResp, nil
}

// GetUserID fetches the upstream Garmin user id for an access token
func (c *Client) GetUserID(ctx context.Context, accessToken string) (string, error) {
	body, err := c.doRequest(ctx, metrics.OpGetUserID, "GET", "/user/id", accessToken)
	if err != nil {
		return "", err
	}

	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode user id response: %w", err)
	}
	if payload.UserID == "" {
		return "", fmt.Errorf("empty userId in response")
	}

	return payload.UserID, nil
}

// DeleteUserRegistration revokes our access upstream. Best-effort from
// the caller's perspective: local token deletion never waits on this
func (c *Client) DeleteUserRegistration(ctx context.Context, accessToken string) error {
	_, err := c.doRequest(ctx, metrics.OpRevoke, "DELETE", "/user/registration", accessToken)
	return err
}

// doRequest performs an authenticated API request with retry/backoff on
// throttling and transient server errors
func (c *Client) doRequest(ctx context.Context, operation, method, path, accessToken string) ([]byte, error) {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying request", "operation", operation, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = minDuration(delay*2, maxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.apiRoot+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			c.logger.Error("request failed", "method", method, "path", path, "error", err, "attempt", attempt)
			continue
		}

		statusStr := strconv.Itoa(resp.StatusCode)
		metrics.GarminAPIRequestsTotal.WithLabelValues(operation, statusStr).Inc()
		metrics.GarminAPIRequestDuration.WithLabelValues(operation, statusStr).Observe(duration.Seconds())

		c.logger.Info("garmin_api_request", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read response body: %w", err)
			}
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			retryAfter := c.parseRetryAfter(resp.Header)
			if retryAfter > 0 {
				delay = retryAfter
			}
			lastErr = &RateLimitError{RetryAfter: retryAfter}
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = &HTTPError{StatusCode: resp.StatusCode}
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &AuthError{
				Operation: operation,
				Cause:     &HTTPError{StatusCode: resp.StatusCode, Body: string(bodyBytes)},
			}
		default:
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// parseRetryAfter extracts retry delay from the Retry-After header
func (c *Client) parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
