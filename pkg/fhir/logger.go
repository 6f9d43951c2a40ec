package fhir

import (
	"sort"

	"github.com/hashicorp/go-hclog"
)

// Logger interface for custom logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// NewHCLogger adapts an hclog.Logger to Logger.
func NewHCLogger(logger hclog.Logger) Logger {
	return &hclogAdapter{logger: logger}
}

// NewDefaultLogger returns an hclog-backed Logger writing to stderr at the
// given level ("debug", "info", "warn", "error").
func NewDefaultLogger(name, level string) Logger {
	return NewHCLogger(hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(level),
	}))
}

type hclogAdapter struct {
	logger hclog.Logger
}

func (a *hclogAdapter) Debug(msg string, fields map[string]interface{}) {
	a.logger.Debug(msg, flattenFields(fields)...)
}

func (a *hclogAdapter) Info(msg string, fields map[string]interface{}) {
	a.logger.Info(msg, flattenFields(fields)...)
}

func (a *hclogAdapter) Warn(msg string, fields map[string]interface{}) {
	a.logger.Warn(msg, flattenFields(fields)...)
}

func (a *hclogAdapter) Error(msg string, fields map[string]interface{}) {
	a.logger.Error(msg, flattenFields(fields)...)
}

// flattenFields turns a field map into hclog's key/value list, sorted by key.
func flattenFields(fields map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	args := make([]interface{}, 0, len(fields)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}

	return args
}

// NopLogger discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]interface{}) {}
func (nopLogger) Info(string, map[string]interface{})  {}
func (nopLogger) Warn(string, map[string]interface{})  {}
func (nopLogger) Error(string, map[string]interface{}) {}
