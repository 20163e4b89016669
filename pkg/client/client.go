// Package client talks to a running dbhelm API server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with dbhelm serve
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig is used when the server sits behind a TLS terminating proxy.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7420/api",
		Timeout: 10 * time.Second,
	}
}

// APIError is returned for every non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/instances", nil, nil)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) List(ctx context.Context) ([]Instance, error) {
	var out []Instance
	return out, c.do(ctx, http.MethodGet, "/instances", nil, &out)
}

// Get accepts an id or a name.
func (c *Client) Get(ctx context.Context, idOrName string) (Instance, error) {
	var out Instance
	return out, c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(idOrName), nil, &out)
}

func (c *Client) Add(ctx context.Context, req AddRequest) (Instance, error) {
	c.logger.Debug("adding instance", "name", req.Name, "engine", req.EngineType, "port", req.Port)
	var out Instance
	return out, c.do(ctx, http.MethodPost, "/instances", req, &out)
}

func (c *Client) Update(ctx context.Context, idOrName string, req UpdateRequest) (Instance, error) {
	var out Instance
	return out, c.do(ctx, http.MethodPatch, "/instances/"+url.PathEscape(idOrName), req, &out)
}

func (c *Client) Delete(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(idOrName), nil, nil)
}

func (c *Client) Start(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodPost, "/instances/"+url.PathEscape(idOrName)+"/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodPost, "/instances/"+url.PathEscape(idOrName)+"/stop", nil, nil)
}

// Status returns the observed status. verify adds a TCP probe on the server side.
func (c *Client) Status(ctx context.Context, idOrName string, verify bool) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/instances/" + url.PathEscape(idOrName) + "/status"
	if verify {
		path += "?verify=1"
	}
	return out.Status, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) CheckPort(ctx context.Context, port int, excludingID string) (PortConflict, error) {
	q := url.Values{"port": {strconv.Itoa(port)}}
	if excludingID != "" {
		q.Set("exclude", excludingID)
	}
	var out PortConflict
	return out, c.do(ctx, http.MethodGet, "/ports/check?"+q.Encode(), nil, &out)
}

// FindPort returns the first usable port at or after start.
func (c *Client) FindPort(ctx context.Context, start, maxAttempts int) (int, error) {
	q := url.Values{"start": {strconv.Itoa(start)}}
	if maxAttempts > 0 {
		q.Set("max", strconv.Itoa(maxAttempts))
	}
	var out struct {
		Port int `json:"port"`
	}
	return out.Port, c.do(ctx, http.MethodGet, "/ports/find?"+q.Encode(), nil, &out)
}

func (c *Client) Ban(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodPost, "/ports/ban?port="+strconv.Itoa(port), nil, nil)
}

func (c *Client) Unban(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodPost, "/ports/unban?port="+strconv.Itoa(port), nil, nil)
}

func (c *Client) Banned(ctx context.Context) ([]int, error) {
	var out []int
	return out, c.do(ctx, http.MethodGet, "/ports/banned", nil, &out)
}

func (c *Client) Cleanup(ctx context.Context) (CleanupReport, error) {
	var out CleanupReport
	return out, c.do(ctx, http.MethodPost, "/cleanup", nil, &out)
}

func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var out ReconcileResult
	return out, c.do(ctx, http.MethodPost, "/reconcile", nil, &out)
}

func (c *Client) AutoStart(ctx context.Context) (AutoStartSummary, error) {
	var out AutoStartSummary
	return out, c.do(ctx, http.MethodPost, "/autostart", nil, &out)
}

func (c *Client) HelperHealth(ctx context.Context) (HelperHealth, error) {
	var out HelperHealth
	return out, c.do(ctx, http.MethodGet, "/helper", nil, &out)
}

// HelperAction runs install, start, stop, restart or uninstall on the helper.
func (c *Client) HelperAction(ctx context.Context, action string) (HelperState, error) {
	var out HelperState
	return out, c.do(ctx, http.MethodPost, "/helper/"+url.PathEscape(action), nil, &out)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do sends body as JSON and decodes the data field of the reply into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		c.logger.Debug("API request failed", "error", env.Error, "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
