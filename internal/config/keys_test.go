package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "http.listen")
	assert.Contains(t, keys, "vendors.*.api_key")
	assert.Contains(t, keys, "vendors.*.oauth.client_secret")
	assert.Contains(t, keys, "vendors.*.beta")
	assert.NotContains(t, keys, "vendors")
	assert.NotContains(t, keys, "http")
}

func TestCheckKey(t *testing.T) {
	for _, key := range []string{"log_level", "vendors.openai.org_id", "vendors.mistral.model", "tools.brave_api_key"} {
		assert.NoError(t, CheckKey(key), key)
	}
	for _, key := range []string{"", "http", "vendors.openai", "log.level", "vendors.openai.oauth", "telegram.chat_id"} {
		assert.Error(t, CheckKey(key), key)
	}
}

func TestSecretKeysAreKnown(t *testing.T) {
	for _, pattern := range secretKeys {
		assert.NoError(t, CheckKey(pattern), pattern)
	}
}
