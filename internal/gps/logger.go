package gps

import "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"

// GetLogger returns the gps module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module(componentName)
}
