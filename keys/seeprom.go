package keys

import (
	"crypto/aes"

	"github.com/rstms/wfs"
)

const (
	SEEPROMSize = 0x200

	usbSeedOffset = 0xb0
)

// SEEPROM is a serial EEPROM dump.
type SEEPROM struct {
	data []byte
}

// NewSEEPROM validates the size of a SEEPROM dump the same way NewOTP
// does.
func NewSEEPROM(data []byte) (*SEEPROM, error) {
	if len(data) < SEEPROMSize {
		return nil, wfs.ErrInvalidWfsVersion
	}
	return &SEEPROM{data: append([]byte(nil), data[:SEEPROMSize]...)}, nil
}

// USBKey returns the key of USB attached storage: the SEEPROM key seed
// encrypted with the OTP seed key.
func (s *SEEPROM) USBKey(otp *OTP) []byte {
	block, err := aes.NewCipher(otp.USBSeedKey())
	if err != nil {
		// the seed key is always KeySize bytes
		panic(err)
	}
	key := make([]byte, KeySize)
	block.Encrypt(key, s.data[usbSeedOffset:usbSeedOffset+KeySize])
	return key
}

// GetUSBKey is the one call form of NewSEEPROM(seeprom).USBKey(otp).
func GetUSBKey(otp, seeprom []byte) ([]byte, error) {
	o, err := NewOTP(otp)
	if err != nil {
		return nil, err
	}
	s, err := NewSEEPROM(seeprom)
	if err != nil {
		return nil, err
	}
	return s.USBKey(o), nil
}

// Candidates returns the keys an image may be encrypted with given the
// available dumps, MLC first. seeprom may be nil.
func Candidates(otp, seeprom []byte) ([][]byte, error) {
	o, err := NewOTP(otp)
	if err != nil {
		return nil, err
	}
	candidates := [][]byte{o.MLCKey()}
	if seeprom != nil {
		s, err := NewSEEPROM(seeprom)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, s.USBKey(o))
	}
	return candidates, nil
}
