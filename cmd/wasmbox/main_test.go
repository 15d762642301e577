package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/wasmbox/internal/wasmtest"
	"github.com/isdmx/wasmbox/sandbox"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testConfigFile(t *testing.T, dir string) string {
	t.Helper()
	data, err := yaml.Marshal(map[string]any{
		"engine":  map[string]any{"backend": "interpreter"},
		"logging": map[string]any{"mode": "development", "level": "error"},
		"defaults": map[string]any{
			"gas_limit":          1_000_000,
			"memory_limit_bytes": 4 * sandbox.PageSize,
		},
	})
	require.NoError(t, err)
	return writeFile(t, dir, "config.yaml", data)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfigFile(t, dir)
	module := writeFile(t, dir, "identity.wasm", wasmtest.Identity())

	t.Run("prints the result", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "run", module, "--input", "hello")
		require.NoError(t, err)

		var res runResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), res.Output)
		assert.Equal(t, uint64(1_000_000), res.GasLeft+res.GasUsed)
	})

	t.Run("input from file", func(t *testing.T) {
		input := writeFile(t, dir, "input.bin", []byte{1, 2, 3})
		out, err := execute(t, "--config", cfgPath, "run", module, "--input-file", input)
		require.NoError(t, err)

		var res runResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), res.Output)
	})

	t.Run("gas flag", func(t *testing.T) {
		loop := writeFile(t, dir, "loop.wasm", wasmtest.Loop())
		_, err := execute(t, "--config", cfgPath, "run", loop, "--gas", "1000")
		assert.ErrorIs(t, err, sandbox.ErrOutOfGas)
	})

	t.Run("explicit zero gas", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "run", module, "--gas", "0", "--input", "hello")
		assert.ErrorIs(t, err, sandbox.ErrOutOfGas)
	})

	t.Run("explicit zero memory", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "run", module, "--memory", "0")
		var limitErr *sandbox.LimitError
		assert.ErrorAs(t, err, &limitErr)
	})

	t.Run("missing module", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "run", filepath.Join(dir, "absent.wasm"))
		assert.ErrorContains(t, err, "failed to read module")
	})

	t.Run("module argument required", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "run")
		assert.Error(t, err)
	})
}

func TestAppOptions(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfigFile(t, dir)
	require.NoError(t, fx.ValidateApp(appOptions(cfgPath)))
}
