package fhir_test

import (
	"bytes"
	"testing"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestHCLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := fhir.NewHCLogger(hclog.New(&hclog.LoggerOptions{
		Name:   "fhir",
		Level:  hclog.Info,
		Output: &buf,
	}))

	logger.Debug("hidden", nil)
	logger.Info("request sent", map[string]interface{}{"status": 200, "method": "GET"})
	logger.Error("request failed", map[string]interface{}{"path": "/Patient"})

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "request sent: method=GET status=200")
	assert.Contains(t, output, "request failed: path=/Patient")
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := fhir.NopLogger()

	assert.NotPanics(t, func() {
		logger.Debug("debug", nil)
		logger.Info("info", map[string]interface{}{"k": "v"})
		logger.Warn("warn", nil)
		logger.Error("error", nil)
	})
}
