// Package assist implements the sos and location sub-commands. They ask the
// preview server of a running pipeline to send an SOS or to report and
// speak the current GPS position.
package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/httpcontroller"
)

const maxResponseBody = 64 << 10

type options struct {
	server  string
	timeout time.Duration
}

// Commands creates the sos and location commands.
func Commands(load func() (*conf.Settings, error)) []*cobra.Command {
	return []*cobra.Command{sosCommand(load), locationCommand(load)}
}

func addFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVar(&opts.server, "server", "", "Preview server URL, derived from webserver.listen when empty")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Request timeout")
}

func sosCommand(load func() (*conf.Settings, error)) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "sos",
		Short: "Send an SOS with the current GPS position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveServer(load, opts.server)
			if err != nil {
				return err
			}
			var resp httpcontroller.SOSResponse
			if err := call(cmd.Context(), opts.timeout, http.MethodPost, base+"/api/v1/sos", &resp); err != nil {
				return fmt.Errorf("sos failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "SOS sent at %s: latitude %.6f, longitude %.6f (id %s)\n",
				resp.Record.LocalTime, resp.Record.Latitude, resp.Record.Longitude, resp.ID)
			return err
		},
	}
	addFlags(cmd, &opts)
	return cmd
}

func locationCommand(load func() (*conf.Settings, error)) *cobra.Command {
	var (
		opts  options
		speak bool
	)
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Print the current GPS position and address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveServer(load, opts.server)
			if err != nil {
				return err
			}
			method, path := http.MethodGet, "/api/v1/location"
			if speak {
				method, path = http.MethodPost, "/api/v1/location/announce"
			}

			var resp httpcontroller.LocationResponse
			if err := call(cmd.Context(), opts.timeout, method, base+path, &resp); err != nil {
				return fmt.Errorf("location failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "Latitude %.6f, longitude %.6f\n", resp.Position.Latitude, resp.Position.Longitude); err != nil {
				return err
			}
			if resp.Address != "" {
				if _, err := fmt.Fprintln(out, resp.Address); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addFlags(cmd, &opts)
	cmd.Flags().BoolVar(&speak, "speak", false, "Also speak the position on the device")
	return cmd
}

// resolveServer returns the preview base URL: the override, or the
// configured listen address with wildcard hosts replaced by loopback.
func resolveServer(load func() (*conf.Settings, error), override string) (string, error) {
	if override != "" {
		return strings.TrimRight(override, "/"), nil
	}
	settings, err := load()
	if err != nil {
		return "", err
	}
	if !settings.WebServer.Enabled {
		return "", fmt.Errorf("the preview server is disabled, set webserver.enabled or pass --server")
	}
	return listenURL(settings.WebServer.Listen)
}

func listenURL(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid webserver.listen %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// call sends one request and decodes a JSON body into out. Error responses
// report the server message.
func call(ctx context.Context, timeout time.Duration, method, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Message)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.Unmarshal(body, out)
}
