package assist

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
)

func noSettings() (*conf.Settings, error) {
	return nil, assert.AnError
}

func run(t *testing.T, name string, args ...string) (string, error) {
	t.Helper()
	for _, cmd := range Commands(noSettings) {
		if cmd.Name() != name {
			continue
		}
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}
	require.FailNow(t, "unknown command "+name)
	return "", nil
}

func TestSOSCommand(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sos", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc","record":{"latitude":3.15785,"longitude":101.71165,"timestamp":1741944413,"local_time":"2025/03/14 17:26:53"}}`))
	}))
	defer srv.Close()

	out, err := run(t, "sos", "--server", srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "SOS sent at 2025/03/14 17:26:53: latitude 3.157850, longitude 101.711650 (id abc)\n", out)
}

func TestSOSCommandReportsServerMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"no recent gps fix"}`))
	}))
	defer srv.Close()

	_, err := run(t, "sos", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recent gps fix")
	assert.Contains(t, err.Error(), "503")
}

func TestLocationCommand(t *testing.T) {
	t.Parallel()

	var (
		mu                 sync.Mutex
		gotMethod, gotPath string
	)
	got := func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		return gotMethod, gotPath
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod, gotPath = r.Method, r.URL.Path
		mu.Unlock()
		_, _ = w.Write([]byte(`{"position":{"latitude":3.15785,"longitude":101.71165,"fixed_at":"2025-03-14T09:26:53Z"},"address":"Jalan Ampang, Kuala Lumpur"}`))
	}))
	defer srv.Close()

	out, err := run(t, "location", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Latitude 3.157850, longitude 101.711650\nJalan Ampang, Kuala Lumpur\n", out)
	method, path := got()
	assert.Equal(t, http.MethodGet, method)
	assert.Equal(t, "/api/v1/location", path)

	_, err = run(t, "location", "--server", srv.URL, "--speak")
	require.NoError(t, err)
	method, path = got()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/v1/location/announce", path)
}

func TestResolveServer(t *testing.T) {
	t.Parallel()

	load := func(listen string, enabled bool) func() (*conf.Settings, error) {
		return func() (*conf.Settings, error) {
			s := &conf.Settings{}
			s.WebServer.Enabled = enabled
			s.WebServer.Listen = listen
			return s, nil
		}
	}

	got, err := resolveServer(load(":8080", true), "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", got)

	got, err = resolveServer(load("192.168.1.20:9000", true), "")
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:9000", got)

	got, err = resolveServer(load("[::]:8080", true), "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", got)

	_, err = resolveServer(load(":8080", false), "")
	require.Error(t, err)

	_, err = resolveServer(noSettings, "")
	require.ErrorIs(t, err, assert.AnError)
}
