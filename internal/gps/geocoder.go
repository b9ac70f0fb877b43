package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

const (
	DefaultGeocodeEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"
	DefaultGeocodeTimeout  = 5 * time.Second
	DefaultGeocodeCacheTTL = 10 * time.Minute

	maxGeocodeBody = 1 << 20
)

// ErrNoAddress is returned when no address is known for the coordinates.
var ErrNoAddress = errors.NewStd("no address found")

// GeocoderConfig configures reverse geocoding.
type GeocoderConfig struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
	CacheTTL time.Duration // lookups are cached per ~10 m cell
	Interval time.Duration // minimum spacing of uncached requests
}

// Geocoder reverse geocodes coordinates with the Google Geocoding API.
type Geocoder struct {
	cfg     GeocoderConfig
	client  *http.Client
	cache   *cache.Cache
	limiter *rate.Limiter
	log     logger.Logger
}

// GeocoderOption configures a Geocoder.
type GeocoderOption func(*Geocoder)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) GeocoderOption {
	return func(g *Geocoder) {
		g.client.Transport = rt
	}
}

// NewGeocoder validates cfg and creates a geocoder.
func NewGeocoder(cfg GeocoderConfig, opts ...GeocoderOption) (*Geocoder, error) {
	if cfg.APIKey == "" {
		return nil, errors.Newf("geocoding requires an API key").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultGeocodeEndpoint
	}
	if u, err := url.Parse(cfg.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid geocoding endpoint %q", logger.RedactURL(cfg.Endpoint)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGeocodeTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultGeocodeCacheTTL
	}

	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}

	g := &Geocoder{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: cfg.Timeout,
			},
		},
		cache:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		limiter: rate.NewLimiter(limit, 1),
		log:     GetLogger().With(logger.String("service", "geocoder")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
}

// ReverseGeocode returns the formatted address of the first result for
// lat,lng.
func (g *Geocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lng)
	if addr, ok := g.cache.Get(key); ok {
		return addr.(string), nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	latlng := strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lng, 'f', 6, 64)
	body, err := g.get(ctx, latlng)
	if err != nil {
		return "", err
	}

	var resp geocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.New(fmt.Errorf("invalid geocoding response: %w", err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Build()
	}

	switch resp.Status {
	case "OK":
		if len(resp.Results) == 0 || resp.Results[0].FormattedAddress == "" {
			return "", ErrNoAddress
		}
	case "ZERO_RESULTS":
		return "", ErrNoAddress
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return "", errors.Newf("geocoding failed: %s", resp.Status).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Build()
	default:
		return "", errors.Newf("geocoding rejected: %s: %s", resp.Status, resp.ErrorMessage).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("status", resp.Status).
			Build()
	}

	addr := resp.Results[0].FormattedAddress
	g.cache.SetDefault(key, addr)
	g.log.Debug("address resolved", logger.String("cell", key))
	return addr, nil
}

func (g *Geocoder) get(ctx context.Context, latlng string) ([]byte, error) {
	u, _ := url.Parse(g.cfg.Endpoint)
	q := u.Query()
	q.Set("latlng", latlng)
	q.Set("key", g.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocoding request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// url.Error repeats the request URL, API key included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, errors.New(fmt.Errorf("GET %s: %w", logger.RedactURL(u.String()), err)).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Timing("reverse-geocode", time.Since(start)).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGeocodeBody))
	if err != nil {
		return nil, errors.New(fmt.Errorf("read geocoding response: %w", err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Build()
	}
	if resp.StatusCode != http.StatusOK {
		category := errors.CategoryValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			category = errors.CategoryTransientIO
		}
		return nil, errors.Newf("geocoding returned %s", resp.Status).
			Component(componentName).
			Category(category).
			Context("status_code", resp.StatusCode).
			Build()
	}
	return body, nil
}
