package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/config"
	"github.com/rstms/wfs/internal/wfstest"
	"github.com/rstms/wfs/keys"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, key []byte) string {
	img := wfstest.New(wfstest.Options{Key: key}).
		File("/hello.txt", []byte("hello, world\n")).
		File("/dir/data.bin", wfstest.Pattern(2*4096, 7)).
		Link("/dir/link", "/hello.txt").
		MustBuild()
	filename := filepath.Join(t.TempDir(), "test.img")
	require.Nil(t, os.WriteFile(filename, img.Disk.Bytes(), 0600))
	return filename
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Setenv(config.EnvConfig, "")
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestUsage(t *testing.T) {
	_, err := runCommand(t)
	require.Nil(t, err)
	_, err = runCommand(t, "format")
	require.NotNil(t, err)
	_, err = runCommand(t, "ls")
	require.NotNil(t, err)
}

func TestList(t *testing.T) {
	filename := writeImage(t, nil)
	out, err := runCommand(t, "ls", "-i", filename)
	require.Nil(t, err)
	require.Equal(t, "/dir\n/hello.txt\n", out)

	out, err = runCommand(t, "ls", "-R", "-i", filename)
	require.Nil(t, err)
	require.Equal(t, "/dir\n/dir/data.bin\n/dir/link -> /hello.txt\n/hello.txt\n", out)

	out, err = runCommand(t, "ls", "-l", "-i", filename, "dir")
	require.Nil(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "- "))
	require.Contains(t, lines[0], "8.0 KiB")
	require.True(t, strings.HasPrefix(lines[1], "l "))

	_, err = runCommand(t, "ls", "-i", filename, "/missing")
	require.ErrorIs(t, err, wfs.ErrEntryNotFound)
}

func TestCat(t *testing.T) {
	filename := writeImage(t, nil)
	out, err := runCommand(t, "cat", "--image", filename, "/hello.txt")
	require.Nil(t, err)
	require.Equal(t, "hello, world\n", out)

	_, err = runCommand(t, "cat", "--image", filename, "/dir")
	require.ErrorIs(t, err, wfs.ErrNotFile)
}

func TestInfoAndCheck(t *testing.T) {
	key := wfstest.Pattern(wfs.KeySize, 4)
	filename := writeImage(t, key)

	_, err := runCommand(t, "info", "-i", filename)
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	out, err := runCommand(t, "info", "-i", filename, "--key", hex.EncodeToString(key), "--dump")
	require.Nil(t, err)
	require.Contains(t, out, "encrypted          true")
	require.Contains(t, out, "DeviceHeader")

	out, err = runCommand(t, "check", "-i", filename, "--key", hex.EncodeToString(key))
	require.Nil(t, err)
	require.Contains(t, out, "0 problems")
}

func TestKeys(t *testing.T) {
	dir := t.TempDir()
	otp := wfstest.Pattern(keys.OTPSize, 1)
	seeprom := wfstest.Pattern(keys.SEEPROMSize, 2)
	otpFile := filepath.Join(dir, "otp.bin")
	seepromFile := filepath.Join(dir, "seeprom.bin")
	require.Nil(t, os.WriteFile(otpFile, otp, 0600))
	require.Nil(t, os.WriteFile(seepromFile, seeprom, 0600))

	out, err := runCommand(t, "keys", "--otp", otpFile, "--seeprom", seepromFile)
	require.Nil(t, err)
	mlc, err := keys.GetMLCKeyFromOTP(otp)
	require.Nil(t, err)
	usb, err := keys.GetUSBKey(otp, seeprom)
	require.Nil(t, err)
	require.Equal(t, "mlc "+hex.EncodeToString(mlc)+"\nusb "+hex.EncodeToString(usb)+"\n", out)
}

func TestExtract(t *testing.T) {
	filename := writeImage(t, nil)
	dstDir := filepath.Join(t.TempDir(), "out")
	out, err := runCommand(t, "extract", "-i", filename, "-m", "-", dstDir)
	require.Nil(t, err)
	require.Contains(t, out, "path: /dir/data.bin")
	require.Contains(t, out, "blake3: ")
	data, err := os.ReadFile(filepath.Join(dstDir, "hello.txt"))
	require.Nil(t, err)
	require.Equal(t, []byte("hello, world\n"), data)
}

func TestRecover(t *testing.T) {
	filename := writeImage(t, nil)
	out, err := runCommand(t, "recover", "-i", filename)
	require.Nil(t, err)
	require.Contains(t, out, "block        0 type")
}
