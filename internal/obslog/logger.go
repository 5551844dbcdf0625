// Package obslog provides structured logging for the upload pipeline: a
// package-level Logger with stream-separated output (see logging.go), and
// ContextLogger for attaching a fixed set of fields across a service's
// lifetime.
package obslog

import (
	"github.com/sirupsen/logrus"

	"mapedit.dev/apiserver/internal/buildinfo"
)

// ContextLogger carries a base set of structured fields across a service's
// lifetime, so every log line it emits includes them without repeating
// them at each call site.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger creates a context-aware logger with base fields.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	baseFields := make(logrus.Fields, len(fields))
	for k, v := range fields {
		baseFields[k] = v
	}
	return &ContextLogger{logger: logger, fields: baseFields}
}

// WithError adds an error to the logger context.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	newFields := make(logrus.Fields, len(cl.fields)+1)
	for k, v := range cl.fields {
		newFields[k] = v
	}
	newFields["error"] = err.Error()
	return &ContextLogger{logger: cl.logger, fields: newFields}
}

// Info logs an info message.
func (cl *ContextLogger) Info(msg string) {
	cl.logger.WithFields(cl.fields).Info(msg)
}

// Error logs an error message.
func (cl *ContextLogger) Error(msg string) {
	cl.logger.WithFields(cl.fields).Error(msg)
}

// Fatal logs a fatal message and exits.
func (cl *ContextLogger) Fatal(msg string) {
	cl.logger.WithFields(cl.fields).Fatal(msg)
}

// ServiceLogger creates a logger pre-configured with service metadata,
// automatically including the running binary's module version.
func ServiceLogger(serviceName, serviceVersion string) *ContextLogger {
	moduleVersion := buildinfo.GetModuleVersion()
	return NewContextLogger(Logger, map[string]interface{}{
		"service":        serviceName,
		"version":        serviceVersion,
		"module_version": moduleVersion,
	})
}
