package pipeline

import "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"

// GetLogger returns the pipeline logger. Workers derive sub-module loggers
// from it, e.g. pipeline.vision.
func GetLogger() logger.Logger {
	return logger.Global().Module("pipeline")
}
