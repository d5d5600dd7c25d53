package wfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockCrypter(t *testing.T) {
	c, err := NewBlockCrypter(nil)
	require.Nil(t, err)
	require.Nil(t, c)
	data := []byte("0123456789abcdef")
	c.Encrypt(data, 1)
	require.Equal(t, []byte("0123456789abcdef"), data)

	_, err = NewBlockCrypter(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidWfsVersion)

	c, err = NewBlockCrypter(bytes.Repeat([]byte{7}, KeySize))
	require.Nil(t, err)
	plain := bytes.Repeat([]byte("wfs block data.."), 64)
	a := bytes.Clone(plain)
	b := bytes.Clone(plain)
	c.Encrypt(a, 8)
	c.Encrypt(b, 16)
	require.NotEqual(t, plain, a)
	require.NotEqual(t, a, b)
	c.Decrypt(a, 8)
	require.Equal(t, plain, a)
	c.Decrypt(b, 8)
	require.NotEqual(t, plain, b)
}

func TestMetadataBlockSeal(t *testing.T) {
	block := make([]byte, BasicBlockSize)
	header := MetadataBlockHeader{Flags: BlockFlagDirectory, BlockNumber: 5}
	header.ToBuf(block)
	copy(block[DirectoryRecordsOffset:], "records")
	require.False(t, VerifyMetadataBlock(block))

	SealMetadataBlock(block)
	require.True(t, VerifyMetadataBlock(block))
	sum := MetadataBlockHash(block)
	require.Equal(t, sum[:], block[hashOffset:hashOffset+HashSize])

	block[BasicBlockSize-1] ^= 1
	require.False(t, VerifyMetadataBlock(block))
	block[BasicBlockSize-1] ^= 1
	block[hashOffset] ^= 1
	require.False(t, VerifyMetadataBlock(block))
	require.False(t, VerifyMetadataBlock(block[:4]))
}
