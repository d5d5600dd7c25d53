package wfs

import (
	"errors"
	"fmt"
)

// Error is the closed set of format level failures reported by the
// library. Values are returned as-is from the point of detection, so
// callers compare with errors.Is or extract the code with AsError.
type Error uint8

const (
	ErrEntryNotFound Error = iota + 1
	ErrNotDirectory
	ErrNotFile
	ErrBlockBadHash
	ErrAreaHeaderCorrupted
	ErrDirectoryCorrupted
	ErrFreeBlocksAllocatorCorrupted
	ErrFileDataCorrupted
	ErrFileMetadataCorrupted
	ErrTransactionsAreaCorrupted
	ErrInvalidWfsVersion
	ErrNoSpace
)

var errorNames = map[Error]string{
	ErrEntryNotFound:                "EntryNotFound",
	ErrNotDirectory:                 "NotDirectory",
	ErrNotFile:                      "NotFile",
	ErrBlockBadHash:                 "BlockBadHash",
	ErrAreaHeaderCorrupted:          "AreaHeaderCorrupted",
	ErrDirectoryCorrupted:           "DirectoryCorrupted",
	ErrFreeBlocksAllocatorCorrupted: "FreeBlocksAllocatorCorrupted",
	ErrFileDataCorrupted:            "FileDataCorrupted",
	ErrFileMetadataCorrupted:        "FileMetadataCorrupted",
	ErrTransactionsAreaCorrupted:    "TransactionsAreaCorrupted",
	ErrInvalidWfsVersion:            "InvalidWfsVersion",
	ErrNoSpace:                      "NoSpace",
}

var errorMessages = map[Error]string{
	ErrEntryNotFound:                "entry not found",
	ErrNotDirectory:                 "not a directory",
	ErrNotFile:                      "not a file",
	ErrBlockBadHash:                 "block hash mismatch",
	ErrAreaHeaderCorrupted:          "area header corrupted",
	ErrDirectoryCorrupted:           "directory corrupted",
	ErrFreeBlocksAllocatorCorrupted: "free blocks allocator corrupted",
	ErrFileDataCorrupted:            "file data corrupted",
	ErrFileMetadataCorrupted:        "file metadata corrupted",
	ErrTransactionsAreaCorrupted:    "transactions area corrupted",
	ErrInvalidWfsVersion:            "invalid wfs version",
	ErrNoSpace:                      "no space left",
}

// Errors lists every taxonomy value in declaration order.
func Errors() []Error {
	result := make([]Error, 0, len(errorNames))
	for e := ErrEntryNotFound; e <= ErrNoSpace; e++ {
		result = append(result, e)
	}
	return result
}

func (e Error) Error() string {
	if msg, ok := errorMessages[e]; ok {
		return "wfs: " + msg
	}
	return fmt.Sprintf("wfs: unknown error %d", uint8(e))
}

// String returns the taxonomy name, e.g. "BlockBadHash".
func (e Error) String() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Error(%d)", uint8(e))
}

// ParseError maps a taxonomy name back to its value.
func ParseError(name string) (Error, bool) {
	for e, n := range errorNames {
		if n == name {
			return e, true
		}
	}
	return 0, false
}

// AsError extracts the taxonomy value carried by err.
func AsError(err error) (Error, bool) {
	var e Error
	if errors.As(err, &e) {
		return e, true
	}
	return 0, false
}
