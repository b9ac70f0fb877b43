// Package conf provides configuration management for the sensing pipeline.
package conf

import "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"

// GetLogger returns the config package logger scoped to the config module.
// The logger is fetched from the global logger each time so that it follows
// the central logger installed after package init.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
