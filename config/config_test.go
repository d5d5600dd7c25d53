package config

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rstms/wfs/internal/wfstest"
	"github.com/rstms/wfs/keys"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	filename := filepath.Join(dir, name)
	require.Nil(t, os.WriteFile(filename, data, 0600))
	return filename
}

func TestDefault(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load()
	require.Nil(t, err)
	require.Equal(t, Default(), cfg)
	require.True(t, cfg.ReadOnly)
	level, err := cfg.LogLevel()
	require.Nil(t, err)
	require.Equal(t, slog.LevelWarn, level)
	key, err := cfg.ResolveKey()
	require.Nil(t, err)
	require.Nil(t, key)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WFS_TEST_DIR", dir)
	filename := writeFile(t, dir, "wfs.yaml", []byte(`
image: ${WFS_TEST_DIR}/usb.img
key:
  otp: ${WFS_TEST_DIR}/otp.bin
  seeprom: ${WFS_UNSET_VAR:-/dev/null}
  type: usb
log:
  level: debug
read_only: false
`))
	t.Setenv(EnvConfig, filename)
	cfg, err := Load()
	require.Nil(t, err)
	require.Equal(t, filepath.Join(dir, "usb.img"), cfg.Image)
	require.Equal(t, filepath.Join(dir, "otp.bin"), cfg.Key.OTP)
	require.Equal(t, "/dev/null", cfg.Key.SEEPROM)
	require.Equal(t, KeyUSB, cfg.Key.Type)
	require.False(t, cfg.ReadOnly)
	level, err := cfg.LogLevel()
	require.Nil(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	for _, content := range []string{
		"key: {type: floppy}",
		"key: {type: usb, otp: otp.bin}",
		"key: {type: mlc}",
		"log: {level: loud}",
		"image: [",
	} {
		_, err := LoadFile(writeFile(t, dir, "bad.yaml", []byte(content)))
		require.NotNil(t, err, content)
	}
	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NotNil(t, err)
}

func TestResolveKey(t *testing.T) {
	dir := t.TempDir()
	otp := wfstest.Pattern(keys.OTPSize, 1)
	seeprom := wfstest.Pattern(keys.SEEPROMSize, 2)
	cfg := Default()
	cfg.Key.OTP = writeFile(t, dir, "otp.bin", otp)
	cfg.Key.SEEPROM = writeFile(t, dir, "seeprom.bin", seeprom)

	cfg.Key.Type = KeyMLC
	key, err := cfg.ResolveKey()
	require.Nil(t, err)
	expected, err := keys.GetMLCKeyFromOTP(otp)
	require.Nil(t, err)
	require.Equal(t, expected, key)

	cfg.Key.Type = KeyUSB
	key, err = cfg.ResolveKey()
	require.Nil(t, err)
	expected, err = keys.GetUSBKey(otp, seeprom)
	require.Nil(t, err)
	require.Equal(t, expected, key)

	cfg.Key.Hex = hex.EncodeToString(wfstest.Pattern(16, 3))
	key, err = cfg.ResolveKey()
	require.Nil(t, err)
	require.Equal(t, wfstest.Pattern(16, 3), key)

	cfg.Key.Hex = "abcd"
	_, err = cfg.ResolveKey()
	require.NotNil(t, err)
}

func TestImageOptions(t *testing.T) {
	dir := t.TempDir()
	otp := wfstest.Pattern(keys.OTPSize, 1)
	cfg := Default()
	cfg.Key.OTP = writeFile(t, dir, "otp.bin", otp)

	opts, err := cfg.ImageOptions(nil)
	require.Nil(t, err)
	require.Equal(t, otp, opts.OTP)
	require.Nil(t, opts.SEEPROM)
	require.Nil(t, opts.Key)
	require.False(t, opts.Writable)

	cfg.Key.Type = KeyMLC
	cfg.ReadOnly = false
	opts, err = cfg.ImageOptions(nil)
	require.Nil(t, err)
	require.Nil(t, opts.OTP)
	require.Len(t, opts.Key, 16)
	require.True(t, opts.Writable)
}
