package keys

import (
	"bytes"
	"crypto/aes"
	"testing"

	"github.com/rstms/wfs"
	"github.com/stretchr/testify/require"
)

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)*7 + seed
	}
	return data
}

func TestMLCKey(t *testing.T) {
	otp := pattern(OTPSize, 1)
	key, err := GetMLCKeyFromOTP(otp)
	require.Nil(t, err)
	require.Equal(t, otp[mlcKeyOffset:mlcKeyOffset+KeySize], key)

	again, err := GetMLCKeyFromOTP(bytes.Clone(otp))
	require.Nil(t, err)
	require.Equal(t, key, again)

	longer, err := GetMLCKeyFromOTP(append(bytes.Clone(otp), pattern(0x100, 9)...))
	require.Nil(t, err)
	require.Len(t, longer, KeySize)
	require.Equal(t, key, longer)
}

func TestMLCKeyDoesNotAlias(t *testing.T) {
	otp := pattern(OTPSize, 1)
	key, err := GetMLCKeyFromOTP(otp)
	require.Nil(t, err)
	key[0] ^= 0xff
	require.NotEqual(t, key[0], otp[mlcKeyOffset])
}

func TestUndersizedInput(t *testing.T) {
	_, err := GetMLCKeyFromOTP(pattern(OTPSize-1, 0))
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	_, err = GetUSBKey(pattern(OTPSize, 0), pattern(SEEPROMSize-1, 0))
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	_, err = GetUSBKey(nil, pattern(SEEPROMSize, 0))
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)
}

func TestUSBKey(t *testing.T) {
	otp := pattern(OTPSize, 3)
	seeprom := pattern(SEEPROMSize, 5)
	key, err := GetUSBKey(otp, seeprom)
	require.Nil(t, err)
	require.Len(t, key, KeySize)

	block, err := aes.NewCipher(otp[usbSeedKeyOffset : usbSeedKeyOffset+KeySize])
	require.Nil(t, err)
	expected := make([]byte, KeySize)
	block.Encrypt(expected, seeprom[usbSeedOffset:usbSeedOffset+KeySize])
	require.Equal(t, expected, key)

	again, err := GetUSBKey(otp, seeprom)
	require.Nil(t, err)
	require.Equal(t, key, again)
}

func TestUSBKeyDependsOnBothInputs(t *testing.T) {
	otp := pattern(OTPSize, 3)
	seeprom := pattern(SEEPROMSize, 5)
	key, err := GetUSBKey(otp, seeprom)
	require.Nil(t, err)

	for i := usbSeedKeyOffset; i < usbSeedKeyOffset+KeySize; i++ {
		changed := bytes.Clone(otp)
		changed[i] ^= 0x01
		other, err := GetUSBKey(changed, seeprom)
		require.Nil(t, err)
		require.NotEqual(t, key, other, "otp byte %#x", i)
	}
	for i := usbSeedOffset; i < usbSeedOffset+KeySize; i++ {
		changed := bytes.Clone(seeprom)
		changed[i] ^= 0x01
		other, err := GetUSBKey(otp, changed)
		require.Nil(t, err)
		require.NotEqual(t, key, other, "seeprom byte %#x", i)
	}
}

func TestCandidates(t *testing.T) {
	otp := pattern(OTPSize, 3)
	seeprom := pattern(SEEPROMSize, 5)

	candidates, err := Candidates(otp, nil)
	require.Nil(t, err)
	require.Len(t, candidates, 1)

	candidates, err = Candidates(otp, seeprom)
	require.Nil(t, err)
	require.Len(t, candidates, 2)
	mlc, _ := GetMLCKeyFromOTP(otp)
	usb, _ := GetUSBKey(otp, seeprom)
	require.Equal(t, [][]byte{mlc, usb}, candidates)
}
