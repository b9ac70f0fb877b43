// Package config implements the config sub-command.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

const redactedValue = "[REDACTED]"

// Command prints the effective configuration as YAML.
func Command(load func() (*conf.Settings, error)) *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, config file, .env and SIDP_ environment overrides have been applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			if !showSecrets {
				settings = redacted(settings)
			}
			data, err := settings.YAML()
			if err != nil {
				return err
			}
			if path := settings.ConfigFile(); path != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", path)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print passwords, tokens and DSNs in clear text")
	return cmd
}

// redacted returns a copy of settings with credentials masked.
func redacted(settings *conf.Settings) *conf.Settings {
	out := *settings
	up := &out.Upload

	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	mask(&up.Firebase.Secret)
	mask(&up.MQTT.Password)
	mask(&up.Database.DSN)
	mask(&out.Sentry.DSN)
	mask(&out.GPS.Geocoding.APIKey)

	if len(up.Notification.URLs) > 0 {
		urls := make([]string, len(up.Notification.URLs))
		for i, u := range up.Notification.URLs {
			urls[i] = logger.RedactURL(u)
		}
		up.Notification.URLs = urls
	}
	return &out
}
