package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		environment string
	}{
		{name: "production", environment: "production"},
		{name: "development", environment: "development"},
		{name: "empty defaults to development", environment: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.environment)
			require.NoError(t, err)
			require.NotNil(t, log)
			log.Info("logger initialized")
		})
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	log, err := New("development")
	require.NoError(t, err)
	assert.Same(t, log, OrNop(log))
}
