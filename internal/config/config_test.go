package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "12450", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.EnableTranslate)
	assert.Empty(t, cfg.AllowTranslateRooms)
}

func TestLoad_TranslateRequiresAPIURL(t *testing.T) {
	t.Setenv("ENABLE_TRANSLATE", "true")
	t.Setenv("TRANSLATE_API_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSLATE_API_URL")
}

func TestLoad_AllowTranslateRooms(t *testing.T) {
	t.Setenv("ENABLE_TRANSLATE", "true")
	t.Setenv("TRANSLATE_API_URL", "http://localhost:8001/translate")
	t.Setenv("ALLOW_TRANSLATE_ROOMS", "21452505, 917818,  5050")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Len(t, cfg.AllowTranslateRooms, 3)
	assert.True(t, cfg.TranslateAllowed(21452505))
	assert.True(t, cfg.TranslateAllowed(5050))
	assert.False(t, cfg.TranslateAllowed(1))
}

func TestLoad_InvalidRoomList(t *testing.T) {
	t.Setenv("ALLOW_TRANSLATE_ROOMS", "123,abc")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOW_TRANSLATE_ROOMS")
}

func TestLoad_InvalidMaxRPS(t *testing.T) {
	t.Setenv("TRANSLATE_MAX_RPS", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSLATE_MAX_RPS")
}

func TestTranslateAllowed_EmptyListAllowsAll(t *testing.T) {
	t.Setenv("ENABLE_TRANSLATE", "true")
	t.Setenv("TRANSLATE_API_URL", "http://localhost:8001/translate")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.TranslateAllowed(1))
	assert.True(t, cfg.TranslateAllowed(999999))
}

func TestTranslateAllowed_DisabledGatesEverything(t *testing.T) {
	cfg := &Config{EnableTranslate: false}
	assert.False(t, cfg.TranslateAllowed(1))
}
