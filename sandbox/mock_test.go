package sandbox

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testMemory = 4 * PageSize
	testGas    = 1_000_000
)

// MockProvider implements Provider for testing
type MockProvider struct {
	mu      sync.Mutex
	storage map[string][]byte
	logs    []string
	err     error
}

func NewMockProvider() *MockProvider {
	return &MockProvider{storage: make(map[string][]byte)}
}

func (m *MockProvider) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.storage[string(key)], nil
}

func (m *MockProvider) Set(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.storage[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MockProvider) Remove(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.storage, string(key))
	return nil
}

func (m *MockProvider) Log(_ context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, msg)
	return nil
}

// MockVerifier adds SignatureVerifier to MockProvider
type MockVerifier struct {
	*MockProvider
	msg, sig, pub []byte
}

func (m *MockVerifier) VerifySignature(msg, sig, pub []byte) (bool, error) {
	return bytes.Equal(msg, m.msg) && bytes.Equal(sig, m.sig) && bytes.Equal(pub, m.pub), nil
}

func newTestExecutor(t *testing.T, opts ...ExecutorOption) *Executor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	compiler := NewCompiler(logger, WithBackend(BackendInterpreter))
	executor, err := NewExecutor(logger, compiler, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = executor.Close(context.Background())
	})
	return executor
}
