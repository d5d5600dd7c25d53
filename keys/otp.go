// Package keys derives WFS device keys from console key material dumps.
//
// Both inputs are fixed layout binary blobs: a one-time-programmable
// memory dump (OTP) and a serial EEPROM dump (SEEPROM). Every function
// here is pure; nothing is cached between calls.
package keys

import (
	"github.com/rstms/wfs"
)

const (
	OTPSize = 0x400
	KeySize = wfs.KeySize

	mlcKeyOffset     = 0x170
	usbSeedKeyOffset = 0x130
)

// OTP is a one-time-programmable memory dump.
type OTP struct {
	data []byte
}

// NewOTP validates the size of an OTP dump. Dumps shorter than OTPSize
// are rejected with wfs.ErrInvalidWfsVersion; bytes past OTPSize are
// ignored.
func NewOTP(data []byte) (*OTP, error) {
	if len(data) < OTPSize {
		return nil, wfs.ErrInvalidWfsVersion
	}
	return &OTP{data: append([]byte(nil), data[:OTPSize]...)}, nil
}

// MLCKey returns the key of the internal MLC storage.
func (o *OTP) MLCKey() []byte {
	return o.slice(mlcKeyOffset)
}

// USBSeedKey returns the key that seals the USB key seed in SEEPROM.
func (o *OTP) USBSeedKey() []byte {
	return o.slice(usbSeedKeyOffset)
}

func (o *OTP) slice(offset int) []byte {
	return append([]byte(nil), o.data[offset:offset+KeySize]...)
}

// GetMLCKeyFromOTP is the one call form of NewOTP(otp).MLCKey().
func GetMLCKeyFromOTP(otp []byte) ([]byte, error) {
	o, err := NewOTP(otp)
	if err != nil {
		return nil, err
	}
	return o.MLCKey(), nil
}
