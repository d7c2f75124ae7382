package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"telegram": {
			"token": "123:abc",
			"webhook_secret": "s3cret",
			"allowed_editors": [42]
		},
		"converter": {"url": "https://conv.example.com"}
	}`)

	cfg := NewConfig()
	require.NoError(t, cfg.Read(path))

	require.Equal(t, "convert:jobs", cfg.Queue.Stream)
	require.NotEmpty(t, cfg.Queue.Consumer)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.EqualValues(t, 10, cfg.Queue.BackoffMin)
	require.EqualValues(t, 600, cfg.Queue.BackoffMax)
	require.EqualValues(t, 120, cfg.Batch.WindowSeconds)
	require.Equal(t, 3, cfg.Batch.UpdateThreshold)
	require.Equal(t, 92, cfg.Converter.Quality)
	require.Equal(t, "https://conv.example.com/convert", cfg.Converter.URL)
}

func TestReadRejectsMissingToken(t *testing.T) {
	path := writeConfig(t, `{
		"telegram": {"webhook_secret": "x", "allowed_editors": [1]},
		"converter": {"url": "https://conv"}
	}`)
	require.Error(t, NewConfig().Read(path))
}

func TestReadRejectsEmptyEditors(t *testing.T) {
	path := writeConfig(t, `{
		"telegram": {"token": "t", "webhook_secret": "x"},
		"converter": {"url": "https://conv"}
	}`)
	require.Error(t, NewConfig().Read(path))
}

func TestNormalizeConverterURL(t *testing.T) {
	cases := map[string]string{
		"https://conv.example.com":                  "https://conv.example.com/convert",
		"https://conv.example.com/":                 "https://conv.example.com/convert",
		"https://conv.example.com/convert":          "https://conv.example.com/convert",
		"https://conv.example.com/convert/convert":  "https://conv.example.com/convert",
		"https://conv.example.com/convert/convert/": "https://conv.example.com/convert",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeConverterURL(in), in)
	}
}

func TestAllowed(t *testing.T) {
	tc := TelegramConfig{AllowedEditors: []int64{10, 20}}
	require.True(t, tc.Allowed(10))
	require.False(t, tc.Allowed(30))
}
