package http

import (
	"fmt"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/hashicorp/go-retryablehttp"
)

// leveledLogger adapts fhir.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger fhir.Logger
}

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)

func newLeveledLogger(logger fhir.Logger) *leveledLogger {
	return &leveledLogger{logger: logger}
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, toFields(keysAndValues))
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, toFields(keysAndValues))
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, toFields(keysAndValues))
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, toFields(keysAndValues))
}

// toFields pairs up a key/value list. A trailing key without value is kept
// under "extra".
func toFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)

	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields["extra"] = key

			break
		}

		fields[key] = keysAndValues[i+1]
	}

	return fields
}
