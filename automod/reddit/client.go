// Content platform client for the rules engine, speaking the Reddit JSON API.
//
// Authentication is an OAuth2 "password" grant for a script-type application. All requests go through a shared rate limiter and a retrying HTTP client.
package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/automoderator/automod/engine"
	"github.com/bluesky-social/automoderator/pkg/robusthttp"

	"github.com/google/go-querystring/query"
	"golang.org/x/time/rate"
)

var (
	DefaultAPIHost  = "https://oauth.reddit.com"
	DefaultAuthHost = "https://www.reddit.com"
)

type Config struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	UserAgent    string
	// defaults to DefaultAPIHost
	APIHost string
	// defaults to DefaultAuthHost
	AuthHost string
	// requests per second; defaults to one
	RequestRate float64
}

type Client struct {
	Config  Config
	HTTP    *http.Client
	Limiter *rate.Limiter
	Logger  *slog.Logger

	authLk sync.Mutex
	token  string
	expiry time.Time
}

var _ engine.Client = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultAPIHost
	}
	if cfg.AuthHost == "" {
		cfg.AuthHost = DefaultAuthHost
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Config: cfg,
		HTTP: robusthttp.NewClient(
			robusthttp.WithUserAgent(cfg.UserAgent),
			robusthttp.WithLogger(logger.With("subsystem", "reddit-http")),
		),
		Limiter: rate.NewLimiter(rate.Limit(cfg.RequestRate), 1),
		Logger:  logger,
	}
}

func (c *Client) Username() string {
	return c.Config.Username
}

type tokenRequest struct {
	GrantType string `url:"grant_type"`
	Username  string `url:"username"`
	Password  string `url:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// Returns a valid access token, fetching a new one if the current one is missing or close to expiry
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.authLk.Lock()
	defer c.authLk.Unlock()

	if c.token != "" && time.Now().Add(time.Minute).Before(c.expiry) {
		return c.token, nil
	}

	vals, err := query.Values(tokenRequest{
		GrantType: "password",
		Username:  c.Config.Username,
		Password:  c.Config.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.Config.AuthHost+"/api/v1/access_token", strings.NewReader(vals.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.Config.ClientID, c.Config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := c.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("requesting access token: HTTP %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("parsing access token response: %w", err)
	}
	if tok.Error != "" || tok.AccessToken == "" {
		return "", fmt.Errorf("access token refused: %s", tok.Error)
	}

	c.Logger.Info("obtained access token", "username", c.Config.Username, "expiresIn", tok.ExpiresIn)
	c.token = tok.AccessToken
	c.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.authLk.Lock()
	defer c.authLk.Unlock()
	c.token = ""
}

// APIError is a non-success HTTP response from the API
type APIError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Maps 403 to engine.ErrPermission and 404 to engine.ErrNotFound, so callers can use errors.Is
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusForbidden:
		return engine.ErrPermission
	case http.StatusNotFound:
		return engine.ErrNotFound
	}
	return nil
}

// Performs one API request. For POST, form is sent as the url-encoded body; for GET, it is the query string. If out is non-nil, the JSON response is decoded in to it.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, form, out)
		var apiErr *APIError
		// expired or revoked token: fetch a new one and try again once
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
			continue
		}
		return err
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, form url.Values, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	u := c.Config.APIHost + path
	var body io.Reader
	if method == "GET" {
		if len(form) > 0 {
			u += "?" + form.Encode()
		}
	} else if form != nil {
		body = bytes.NewBufferString(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if err := c.Limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.Logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: parsing response: %w", method, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params any, out any) error {
	vals, err := encodeParams(params)
	if err != nil {
		return err
	}
	return c.do(ctx, "GET", path, vals, out)
}

func (c *Client) post(ctx context.Context, path string, params any, out any) error {
	vals, err := encodeParams(params)
	if err != nil {
		return err
	}
	if vals == nil {
		vals = url.Values{}
	}
	return c.do(ctx, "POST", path, vals, out)
}

func encodeParams(params any) (url.Values, error) {
	if params == nil {
		return nil, nil
	}
	vals, err := query.Values(params)
	if err != nil {
		return nil, fmt.Errorf("encoding request parameters: %w", err)
	}
	return vals, nil
}
