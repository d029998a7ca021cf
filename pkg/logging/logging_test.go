package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestConfigFromViperVerbose(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--verbose", "--log-format", "json"}))

	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))

	cfg := ConfigFromViper(v)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestInitLoggerWritesFile(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "chatsync.log")
	require.NoError(t, InitLogger(&Config{Level: "info", Format: FormatJSON, File: path}))
	log.Info().Str("conversation", "c1").Msg("saved")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "saved")
	assert.Contains(t, string(b), "c1")
}

func TestInitLoggerRejectsUnknownFormat(t *testing.T) {
	require.Error(t, InitLogger(&Config{Level: "info", Format: "xml"}))
}
