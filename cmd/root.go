package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/cmd/assist"
	configcmd "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/cmd/config"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/cmd/run"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/buildinfo"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(info *buildinfo.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "sidp",
		Short:         "Obstacle sensing and announcement pipeline",
		Long:          "sidp watches the camera and the ultrasonic sensors, speaks alerts for nearby obstacles and logs every event to the configured sinks.",
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		cobra.CheckErr(err)
	}

	load := func() (*conf.Settings, error) {
		return conf.Load(configFile)
	}

	rootCmd.AddCommand(
		run.Command(load, info),
		configcmd.Command(load),
	)
	rootCmd.AddCommand(assist.Commands(load)...)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config.yaml, searched in the default paths when empty")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
