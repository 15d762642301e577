package provider

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/wasmbox/internal/wasmtest"
	"github.com/isdmx/wasmbox/sandbox"
)

func signed(t *testing.T, msg []byte) (der, compact, pub []byte) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	hash := sha256.Sum256(msg)
	sig := ecdsa.Sign(key, hash[:])

	r, s := sig.R(), sig.S()
	rb, sb := r.Bytes(), s.Bytes()
	compact = append(rb[:], sb[:]...)
	return sig.Serialize(), compact, key.PubKey().SerializeCompressed()
}

func TestHostVerifySignature(t *testing.T) {
	host := NewHost(NewMemoryStore(), zaptest.NewLogger(t))
	msg := []byte("transfer 10 to alice")
	der, compact, pub := signed(t, msg)

	tests := []struct {
		name string
		msg  []byte
		sig  []byte
		pub  []byte
		want bool
	}{
		{"der", msg, der, pub, true},
		{"compact", msg, compact, pub, true},
		{"tampered message", []byte("transfer 99 to alice"), der, pub, false},
		{"garbage signature", msg, []byte{1, 2, 3}, pub, false},
		{"zero compact signature", msg, make([]byte, 64), pub, false},
		{"garbage key", msg, der, []byte{0x02, 0x01}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := host.VerifySignature(tt.msg, tt.sig, tt.pub)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	t.Run("other key", func(t *testing.T) {
		_, _, otherPub := signed(t, msg)
		ok, err := host.VerifySignature(msg, der, otherPub)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestHostStorage(t *testing.T) {
	store := NewMemoryStore()
	host := NewHost(store, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, host.Set(ctx, []byte("a"), []byte("1")))
	v, err := host.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, host.Remove(ctx, []byte("a")))
	assert.Equal(t, 0, store.Len())
	assert.NoError(t, host.Log(ctx, "hello"))
	assert.Same(t, store, host.Store())
}

func TestHostWithExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	executor, err := sandbox.NewExecutor(logger, sandbox.NewCompiler(logger, sandbox.WithBackend(sandbox.BackendInterpreter)))
	require.NoError(t, err)
	defer executor.Close(context.Background())

	store, err := NewBadgerStore(BadgerOptions{InMemory: true}, logger)
	require.NoError(t, err)
	defer store.Close()
	host := NewHost(store, logger)
	ctx := context.Background()

	action := func(code, input []byte) sandbox.Action {
		return sandbox.Action{Code: code, MemoryLimit: 4 * sandbox.PageSize, GasLimit: 1_000_000, Input: input}
	}

	t.Run("storage round trip", func(t *testing.T) {
		res, err := executor.Execute(ctx, host, action(wasmtest.StorageEcho(), []byte("balance")))
		require.NoError(t, err)
		assert.Equal(t, []byte("balance"), res.Data)

		stored, err := store.Get(ctx, []byte("balance"))
		require.NoError(t, err)
		assert.Equal(t, []byte("balance"), stored)
	})

	t.Run("secp256k1_verify", func(t *testing.T) {
		msg := []byte("vote yes")
		der, _, pub := signed(t, msg)
		input := append([]byte{byte(len(der))}, der...)
		input = append(input, pub...)
		input = append(input, msg...)

		res, err := executor.Execute(ctx, host, action(wasmtest.Verifier(), input))
		require.NoError(t, err)
		assert.Equal(t, []byte{1}, res.Data)
	})
}
