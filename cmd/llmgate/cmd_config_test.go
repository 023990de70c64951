package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llmgate/internal/config"
)

func withConfigPath(t *testing.T) string {
	t.Helper()
	prev := cfgPath
	cfgPath = filepath.Join(t.TempDir(), "config.json")
	t.Cleanup(func() {
		cfgPath = prev
		configUnmask, configForce = false, false
	})
	return cfgPath
}

func TestSetAndVerifyRestoresOnBadValue(t *testing.T) {
	path := withConfigPath(t)
	require.NoError(t, setAndVerify(path, "max_concurrent", "8"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = setAndVerify(path, "max_concurrent", "lots")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrent)
}

func TestConfigSetRejectsUnknownKey(t *testing.T) {
	withConfigPath(t)
	var out bytes.Buffer
	configSetCmd.SetOut(&out)

	err := configSetCmd.RunE(configSetCmd, []string{"log.level", "debug"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")

	configForce = true
	require.NoError(t, configSetCmd.RunE(configSetCmd, []string{"custom.setting", "x"}))
	assert.Contains(t, out.String(), "Set custom.setting = x")
}

func TestConfigGetMasksSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := withConfigPath(t)
	require.NoError(t, setAndVerify(path, "vendors.openai.api_key", "sk-abcdef1234"))

	var out bytes.Buffer
	configGetCmd.SetOut(&out)
	require.NoError(t, configGetCmd.RunE(configGetCmd, []string{"vendors.openai.api_key"}))
	assert.Equal(t, "***1234\n", out.String())

	out.Reset()
	configUnmask = true
	require.NoError(t, configGetCmd.RunE(configGetCmd, []string{"vendors.openai.api_key"}))
	assert.Equal(t, "sk-abcdef1234\n", out.String())
}

func TestPrintValuesPrefix(t *testing.T) {
	values := map[string]any{
		"http.listen":          "127.0.0.1:8484",
		"http.enabled":         true,
		"httpx":                1,
		"vendors.openai.model": "gpt-4o",
	}
	var out bytes.Buffer
	printValues(&out, values, "http")
	assert.Equal(t, "http.enabled = true\nhttp.listen = 127.0.0.1:8484\n", out.String())
}
