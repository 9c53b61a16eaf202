package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging sets the global logrus level and formatter.
func ConfigureLogging(level string, json bool) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	logrus.SetLevel(lvl)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
