// Package logger builds the process zap logger.
package logger

import "go.uber.org/zap"

// New returns a JSON production logger for env "production" and a
// development console logger otherwise.
func New(env string) *zap.Logger {
	if env == "production" {
		logger, _ := zap.NewProduction()
		return logger
	}
	logger, _ := zap.NewDevelopment()
	return logger
}

// Service tags every entry with the binary name.
func Service(env, name string) *zap.Logger {
	return New(env).With(zap.String("service", name))
}
