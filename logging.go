package chunkvault

import (
	"io"

	"github.com/sirupsen/logrus"
)

// defaultLogger returns l, or a logger that drops everything below Warn and
// writes nothing when l is nil
func defaultLogger(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.WarnLevel)
	return log
}

// BackendOption configures OpenBackend
type BackendOption func(*backendOptions)

type backendOptions struct {
	logger logrus.FieldLogger
}

// WithBackendLogger sets the logger handed to the opened backend
func WithBackendLogger(l logrus.FieldLogger) BackendOption {
	return func(o *backendOptions) {
		o.logger = l
	}
}
