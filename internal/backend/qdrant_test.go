package backend_test

import (
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  backend.QdrantConfig
		wantErr bool
	}{
		{
			name:   "valid",
			config: backend.QdrantConfig{Host: "localhost", Port: 6334, VectorSize: 384},
		},
		{
			name:    "missing host",
			config:  backend.QdrantConfig{Port: 6334, VectorSize: 384},
			wantErr: true,
		},
		{
			name:    "bad port",
			config:  backend.QdrantConfig{Host: "localhost", Port: 70000, VectorSize: 384},
			wantErr: true,
		},
		{
			name:    "missing vector size",
			config:  backend.QdrantConfig{Host: "localhost", Port: 6334},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, backend.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQdrantConfigApplyDefaults(t *testing.T) {
	config := backend.QdrantConfig{Host: "localhost", VectorSize: 384}
	config.ApplyDefaults()

	assert.Equal(t, 6334, config.Port)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, time.Second, config.RetryBackoff)
	assert.Equal(t, 50*1024*1024, config.MaxMessageSize)
	assert.Equal(t, 5, config.CircuitBreakerThreshold)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unavailable", err: status.Error(grpccodes.Unavailable, "down"), want: true},
		{name: "deadline", err: status.Error(grpccodes.DeadlineExceeded, "slow"), want: true},
		{name: "aborted", err: status.Error(grpccodes.Aborted, "conflict"), want: true},
		{name: "resource exhausted", err: status.Error(grpccodes.ResourceExhausted, "quota"), want: true},
		{name: "not found", err: status.Error(grpccodes.NotFound, "missing"), want: false},
		{name: "invalid argument", err: status.Error(grpccodes.InvalidArgument, "bad"), want: false},
		{name: "unauthenticated", err: status.Error(grpccodes.Unauthenticated, "who"), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backend.IsTransientError(tt.err))
		})
	}
}

func TestValidateCollectionName(t *testing.T) {
	valid := []string{"docs", "my_collection", "a", "collection_123"}
	for _, name := range valid {
		assert.NoError(t, backend.ValidateCollectionName(name), name)
	}

	invalid := []string{"", "Docs", "has space", "has-dash", "../etc", "x.y",
		"waytoolongname_waytoolongname_waytoolongname_waytoolongname_12345"}
	for _, name := range invalid {
		err := backend.ValidateCollectionName(name)
		assert.ErrorIs(t, err, backend.ErrInvalidCollectionName, name)
	}
}
