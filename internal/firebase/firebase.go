// Package firebase appends pipeline records to a Firebase Realtime Database
// over its REST API.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "firebase"

const (
	DefaultTimeout = 5 * time.Second
	userAgent      = "SIDP-pipeline"

	// maxErrorBody caps how much of an error response is kept
	maxErrorBody = 512
)

// Config configures the Realtime Database client.
type Config struct {
	DatabaseURL string // https://<project>-default-rtdb.firebaseio.com
	Secret      string // database secret or ID token, sent as ?auth=
	VisionPath  string // node for vision records
	RangePath   string // node for range records
	SOSPath     string // node overwritten by the latest SOS
	Timeout     time.Duration
}

// Client pushes records with POST, which makes the database generate a
// chronologically ordered key for each one. SOS records are written with
// PUT so the node always holds the latest call.
type Client struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	log    logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.client.Transport = rt
	}
}

// New validates cfg and creates a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.DatabaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf("invalid database URL %q", logger.RedactURL(cfg.DatabaseURL)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.VisionPath == "" {
		cfg.VisionPath = "objectDetectionDB"
	}
	if cfg.RangePath == "" {
		cfg.RangePath = "ultrasonicDB"
	}
	if cfg.SOSPath == "" {
		cfg.SOSPath = "sos"
	}

	c := &Client{
		cfg:  cfg,
		base: base,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: cfg.Timeout,
			},
		},
		log: logger.Global().Module(componentName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload pushes the record of ev to the node of its kind.
func (c *Client) Upload(ctx context.Context, ev pipeline.UploadEvent) error {
	if ev.Kind == pipeline.EventKindSOS {
		if err := c.Set(ctx, c.cfg.SOSPath, ev.Record()); err != nil {
			return err
		}
		c.log.WithContext(ctx).Info("sos written", logger.String("path", c.cfg.SOSPath))
		return nil
	}

	path := c.cfg.RangePath
	if ev.Kind == pipeline.EventKindVision {
		path = c.cfg.VisionPath
	}
	key, err := c.Push(ctx, path, ev.Record())
	if err != nil {
		return err
	}
	c.log.WithContext(ctx).Trace("record pushed",
		logger.String("path", path),
		logger.String("key", key))
	return nil
}

// Push appends record under path and returns the generated key. Server and
// network failures are transient; other rejected requests are validation
// errors.
func (c *Client) Push(ctx context.Context, path string, record any) (string, error) {
	resp, err := c.send(ctx, http.MethodPost, path, record)
	if err != nil {
		return "", err
	}

	var result struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", errors.New(fmt.Errorf("invalid push response: %w", err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Build()
	}
	return result.Name, nil
}

// Set replaces the value at path with record.
func (c *Client) Set(ctx context.Context, path string, record any) error {
	_, err := c.send(ctx, http.MethodPut, path, record)
	return err
}

// send issues one request and returns the size-capped response body.
func (c *Client) send(ctx context.Context, method, path string, record any) ([]byte, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	endpoint := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		// url.Error repeats the request URL, secret included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, errors.New(fmt.Errorf("%s %s: %w", method, c.redacted(path), err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Timing(operationName(method), time.Since(start)).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		category := errors.CategoryValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			category = errors.CategoryTransientIO
		}
		return nil, errors.Newf("%s %s failed: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg))).
			Component(componentName).
			Category(category).
			Context("status_code", resp.StatusCode).
			Context("endpoint", c.redacted(path)).
			Build()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to read %s response: %w", method, err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Build()
	}
	return data, nil
}

func operationName(method string) string {
	if method == http.MethodPut {
		return "set"
	}
	return "push"
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + ".json"
	if c.cfg.Secret != "" {
		q := u.Query()
		q.Set("auth", c.cfg.Secret)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) redacted(path string) string {
	return logger.RedactURL(c.endpoint(path))
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
