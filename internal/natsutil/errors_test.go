package natsutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/vigil/types"
)

func TestIsConnectivityError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", nats.ErrTimeout, true},
		{"no servers", fmt.Errorf("kv put: %w", nats.ErrNoServers), true},
		{"closed", nats.ErrConnectionClosed, true},
		{"no stream response", jetstream.ErrNoStreamResponse, true},
		{"refused text", errors.New("dial tcp 127.0.0.1:4222: connection refused"), true},
		{"key not found", jetstream.ErrKeyNotFound, false},
		{"context", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsConnectivityError(tt.err))
		})
	}
}

func TestWrapUnavailable(t *testing.T) {
	err := WrapUnavailable(fmt.Errorf("kv put: %w", nats.ErrTimeout))
	require.ErrorIs(t, err, types.ErrBackendUnavailable)
	require.ErrorIs(t, err, nats.ErrTimeout)

	other := errors.New("maximum payload exceeded")
	require.Equal(t, other, WrapUnavailable(other))
	require.NoError(t, WrapUnavailable(nil))
}
