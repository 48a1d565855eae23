package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
)

// Client talks to a stepsync server. It implements tracker.Table.
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

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client. A broken TLS setup is returned as an error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger.With("component", "client"),
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// List returns every record, oldest first.
func (c *Client) List(ctx context.Context) ([]steps.Record, error) {
	var out []steps.Record
	if err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/steps", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []steps.Record{}
	}
	return out, nil
}

// Insert creates one record. It is not idempotent.
func (c *Client) Insert(ctx context.Context, stepsCount int) (steps.Record, error) {
	data, err := json.Marshal(InsertRequest{StepsCount: stepsCount})
	if err != nil {
		return steps.Record{}, fmt.Errorf("marshal request: %w", err)
	}
	var rec steps.Record
	if err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/steps", data, &rec); err != nil {
		return steps.Record{}, err
	}
	c.logger.Debug("record created", "id", rec.ID, "steps", rec.StepsCount)
	return rec, nil
}

// Stats fetches server-side aggregates.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var out StatsResponse
	err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/stats", nil, &out)
	return out, err
}

// Ping checks that the server and its table are reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, c.baseURL+"/healthz", nil, nil)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doRequest performs the request and decodes a 2xx body into out when set.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return &store.QueryError{Err: fmt.Errorf("create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return &store.TransportError{Err: fmt.Errorf("%s %s: %w", method, url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &store.TransportError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
	return c.handleErrorResponse(resp)
}

// handleErrorResponse maps an error status back to the error taxonomy.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		er.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", er.Error, "status", resp.StatusCode)

	cause := errors.New(er.Error)
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity && er.Kind == string(store.KindValidation):
		return &steps.ValidationError{Field: "steps", Message: er.Error}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &store.ConstraintError{Err: cause}
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return &store.TransportError{Err: cause}
	default:
		return &store.QueryError{Err: cause}
	}
}
