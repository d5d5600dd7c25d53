package wfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
)

// BlockCrypter encrypts blocks with AES-128-CBC. The IV is derived from
// the length of the encrypted run and the device sector it starts at,
// so the same plaintext encrypts differently at every location. A nil
// *BlockCrypter is the identity transform used for plain images.
type BlockCrypter struct {
	block cipher.Block
}

// NewBlockCrypter builds a crypter for a device key. A nil or empty
// key returns a nil crypter.
func NewBlockCrypter(key []byte) (*BlockCrypter, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != KeySize {
		return nil, ErrInvalidWfsVersion
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &BlockCrypter{block: block}, nil
}

func blockIV(length, sectorAddress uint32) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[0:], length)
	binary.BigEndian.PutUint32(iv[4:], sectorAddress)
	return iv
}

// Encrypt encrypts data in place. len(data) must be a multiple of the
// AES block size, which every sector aligned run is.
func (c *BlockCrypter) Encrypt(data []byte, sectorAddress uint32) {
	if c == nil {
		return
	}
	cipher.NewCBCEncrypter(c.block, blockIV(uint32(len(data)), sectorAddress)).CryptBlocks(data, data)
}

// Decrypt decrypts data in place.
func (c *BlockCrypter) Decrypt(data []byte, sectorAddress uint32) {
	if c == nil {
		return
	}
	cipher.NewCBCDecrypter(c.block, blockIV(uint32(len(data)), sectorAddress)).CryptBlocks(data, data)
}

// MetadataBlockHash hashes a metadata block with its hash field
// treated as all 0xff bytes.
func MetadataBlockHash(block []byte) [HashSize]byte {
	var ff [HashSize]byte
	for i := range ff {
		ff[i] = 0xff
	}
	h := sha1.New()
	h.Write(block[:hashOffset])
	h.Write(ff[:])
	h.Write(block[hashOffset+HashSize:])
	var sum [HashSize]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// SealMetadataBlock stores the block's hash in its header.
func SealMetadataBlock(block []byte) {
	sum := MetadataBlockHash(block)
	copy(block[hashOffset:], sum[:])
}

// VerifyMetadataBlock reports whether the stored hash matches.
func VerifyMetadataBlock(block []byte) bool {
	if len(block) < MetadataHeaderSize {
		return false
	}
	sum := MetadataBlockHash(block)
	return subtle.ConstantTimeCompare(sum[:], block[hashOffset:hashOffset+HashSize]) == 1
}

// DataHash is the hash stored for a plaintext data unit.
func DataHash(data []byte) [HashSize]byte {
	return sha1.Sum(data)
}
