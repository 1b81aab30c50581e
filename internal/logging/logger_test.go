package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			config: *DefaultConfig(),
		},
		{
			name:   "console format",
			config: Config{Level: "debug", Format: "console"},
		},
		{
			name:    "unknown level",
			config:  Config{Level: "verbose", Format: "json"},
			wantErr: true,
		},
		{
			name:    "unknown format",
			config:  Config{Level: "info", Format: "logfmt"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fields = map[string]string{"service": "ingestd"}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("logger constructed")
	assert.NoError(t, Sync(logger))
}

func TestNewLoggerRejectsInvalidConfig(t *testing.T) {
	_, err := NewLogger(&Config{Level: "shout", Format: "json"})
	require.Error(t, err)
}
