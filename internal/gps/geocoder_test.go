package gps

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
)

const testKey = "AIza-test-key"

func newTestGeocoder(t *testing.T, cfg GeocoderConfig) (*Geocoder, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	if cfg.APIKey == "" {
		cfg.APIKey = testKey
	}
	g, err := NewGeocoder(cfg, WithTransport(mt))
	require.NoError(t, err)
	return g, mt
}

func TestReverseGeocode(t *testing.T) {
	t.Parallel()

	g, mt := newTestGeocoder(t, GeocoderConfig{})
	mt.RegisterResponder(http.MethodGet, DefaultGeocodeEndpoint,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "3.157850,101.711650", req.URL.Query().Get("latlng"))
			assert.Equal(t, testKey, req.URL.Query().Get("key"))
			return httpmock.NewStringResponse(http.StatusOK, `{
				"status": "OK",
				"results": [
					{"formatted_address": "Kuala Lumpur City Centre, 50088 Kuala Lumpur"},
					{"formatted_address": "Kuala Lumpur, Malaysia"}
				]}`), nil
		})

	addr, err := g.ReverseGeocode(context.Background(), 3.15785, 101.71165)
	require.NoError(t, err)
	assert.Equal(t, "Kuala Lumpur City Centre, 50088 Kuala Lumpur", addr)

	// a nearby fix in the same cell is served from the cache
	addr, err = g.ReverseGeocode(context.Background(), 3.157851, 101.711652)
	require.NoError(t, err)
	assert.Equal(t, "Kuala Lumpur City Centre, 50088 Kuala Lumpur", addr)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestReverseGeocodeStatuses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		responder httpmock.Responder
		check     func(t *testing.T, err error)
	}{
		{
			name:      "zero results",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"ZERO_RESULTS","results":[]}`),
			check:     func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoAddress) },
		},
		{
			name:      "ok without results",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"OK","results":[]}`),
			check:     func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoAddress) },
		},
		{
			name:      "denied",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"REQUEST_DENIED","error_message":"The provided API key is invalid."}`),
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
				assert.Contains(t, err.Error(), "API key is invalid")
			},
		},
		{
			name:      "over quota",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"OVER_QUERY_LIMIT"}`),
			check:     func(t *testing.T, err error) { assert.True(t, errors.IsTransient(err)) },
		},
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusBadGateway, "upstream"),
			check:     func(t *testing.T, err error) { assert.True(t, errors.IsTransient(err)) },
		},
		{
			name:      "not json",
			responder: httpmock.NewStringResponder(http.StatusOK, "<html>"),
			check:     func(t *testing.T, err error) { assert.True(t, errors.IsTransient(err)) },
		},
		{
			name:      "network",
			responder: httpmock.NewErrorResponder(errors.NewStd("connection refused")),
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
				assert.Contains(t, err.Error(), "connection refused")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g, mt := newTestGeocoder(t, GeocoderConfig{})
			mt.RegisterResponder(http.MethodGet, DefaultGeocodeEndpoint, tc.responder)

			_, err := g.ReverseGeocode(context.Background(), 1.5, 103.75)
			require.Error(t, err)
			assert.NotContains(t, err.Error(), testKey)
			tc.check(t, err)
		})
	}
}

func TestReverseGeocodeFailuresAreNotCached(t *testing.T) {
	t.Parallel()

	g, mt := newTestGeocoder(t, GeocoderConfig{})
	mt.RegisterResponder(http.MethodGet, DefaultGeocodeEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"UNKNOWN_ERROR"}`))

	for range 2 {
		_, err := g.ReverseGeocode(context.Background(), 1.5, 103.75)
		require.Error(t, err)
	}
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestReverseGeocodeRateLimited(t *testing.T) {
	t.Parallel()

	g, mt := newTestGeocoder(t, GeocoderConfig{Interval: time.Hour})
	mt.RegisterResponder(http.MethodGet, DefaultGeocodeEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"OK","results":[{"formatted_address":"Johor Bahru"}]}`))

	_, err := g.ReverseGeocode(context.Background(), 1.5, 103.75)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.ReverseGeocode(ctx, 2.5, 102.25)
	require.Error(t, err, "an uncached lookup waits for the limiter")
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestNewGeocoderValidation(t *testing.T) {
	t.Parallel()

	_, err := NewGeocoder(GeocoderConfig{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewGeocoder(GeocoderConfig{APIKey: testKey, Endpoint: "not a url"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
