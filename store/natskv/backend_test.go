package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/vigil/store"
	vigiltest "github.com/arloliu/vigil/testing"
	"github.com/arloliu/vigil/types"
)

func openTestBackend(t *testing.T, bucket string) *Backend {
	t.Helper()

	_, nc := vigiltest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	b, err := Open(t.Context(), js, Config{Bucket: bucket, Storage: jetstream.MemoryStorage})
	require.NoError(t, err)

	return b
}

func TestKeyEncoding(t *testing.T) {
	for _, tc := range []struct{ ns, key string }{
		{"sensor_state", "pose"},
		{"health_status", "motor.left"},
		{"system_status", "recovery.arm controller/1"},
		{"custom", "*>"},
	} {
		enc := encodeKey(tc.ns, tc.key)
		require.NotContains(t, enc, " ")
		require.NotContains(t, enc, "*")

		ns, key, err := decodeKey(enc)
		require.NoError(t, err)
		require.Equal(t, tc.ns, ns)
		require.Equal(t, tc.key, key)
	}

	_, _, err := decodeKey("nodot")
	require.Error(t, err)
	_, _, err = decodeKey("!!.??")
	require.Error(t, err)
}

func TestBackend_PutScanDelete(t *testing.T) {
	ctx := t.Context()
	b := openTestBackend(t, "test-backend")

	require.NoError(t, b.Put(ctx, "sensor_state", "pose", []byte("a")))
	require.NoError(t, b.Put(ctx, "sensor_state", "joint.1", []byte("b")))
	require.NoError(t, b.Put(ctx, "sensor_state", "pose", []byte("a2")))
	require.NoError(t, b.Delete(ctx, "sensor_state", "joint.1"))

	got := map[string]string{}
	require.NoError(t, b.Scan(ctx, func(ns, key string, data []byte) error {
		got[ns+"/"+key] = string(data)
		return nil
	}))
	require.Equal(t, map[string]string{"sensor_state/pose": "a2"}, got)
	require.NoError(t, b.Close())
}

func TestBackend_ScanEmptyBucket(t *testing.T) {
	b := openTestBackend(t, "test-empty")

	called := false
	require.NoError(t, b.Scan(t.Context(), func(string, string, []byte) error {
		called = true
		return nil
	}))
	require.False(t, called)
}

func TestBackend_StoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	b := openTestBackend(t, "test-roundtrip")

	st, err := store.Open(ctx, b, store.WithPersistConfig(store.PersistConfig{FlushInterval: 10 * time.Millisecond}))
	require.NoError(t, err)

	_, err = st.Put("system_status", "isolated.arm", true)
	require.NoError(t, err)
	_, err = st.Put("module_heartbeats", "arm", map[string]any{"beats": 3})
	require.NoError(t, err)
	require.NoError(t, st.Close(context.Background()))

	restored, err := store.Open(ctx, b)
	require.NoError(t, err)
	defer func() { _ = restored.Close(context.Background()) }()

	isolated, ver, err := store.GetAs[bool](restored, "system_status", "isolated.arm")
	require.NoError(t, err)
	require.True(t, isolated)
	require.Equal(t, uint64(1), ver)

	_, err = restored.Get("system_status", "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}
