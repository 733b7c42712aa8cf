// Package cryptoutil provides hashing utilities for file content digests
package cryptoutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"golang.org/x/crypto/blake2b"
)

// Bytes2Hex encodes a byte slice to hex string
func Bytes2Hex(d []byte) string {
	return hex.EncodeToString(d)
}

// HashAlgorithm represents supported hash algorithms
type HashAlgorithm string

const (
	// MD5 algorithm (not recommended for security-critical applications)
	MD5 HashAlgorithm = "md5"

	// SHA1 algorithm (not recommended for security-critical applications)
	SHA1 HashAlgorithm = "sha1"

	// SHA256 algorithm
	SHA256 HashAlgorithm = "sha256"

	// SHA512 algorithm
	SHA512 HashAlgorithm = "sha512"

	// BLAKE2b256 is BLAKE2b with a 256-bit digest
	BLAKE2b256 HashAlgorithm = "blake2b"
)

// Hasher provides an interface for hashing operations
type Hasher interface {
	// Hash hashes the provided data
	Hash(data []byte) (string, error)

	// HashReader hashes data from a reader
	HashReader(reader io.Reader) (string, error)

	// NewHashWriter creates a writer for streaming hash calculation
	NewHashWriter() *HashWriter

	// Verify checks if the provided hash matches the calculated hash for the data
	Verify(data []byte, expectedHash string) (bool, error)
}

// hasherImpl implements the Hasher interface
type hasherImpl struct {
	algorithm HashAlgorithm
	newHash   func() hash.Hash
}

func newBlake2b256() hash.Hash {
	// New256 only fails for keys longer than 64 bytes
	h, _ := blake2b.New256(nil)
	return h
}

// NewHasher creates a new Hasher for the specified algorithm
func NewHasher(algorithm HashAlgorithm) (Hasher, error) {
	var newHashFunc func() hash.Hash

	switch HashAlgorithm(strings.ToLower(string(algorithm))) {
	case MD5:
		newHashFunc = md5.New
	case SHA1:
		newHashFunc = sha1.New
	case SHA256:
		newHashFunc = sha256.New
	case SHA512:
		newHashFunc = sha512.New
	case BLAKE2b256:
		newHashFunc = newBlake2b256
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm '%s'", commonerrors.ErrInvalidArgument, algorithm)
	}

	return &hasherImpl{
		algorithm: algorithm,
		newHash:   newHashFunc,
	}, nil
}

// Hash hashes the provided data
func (h *hasherImpl) Hash(data []byte) (string, error) {
	hasher := h.newHash()
	if _, err := hasher.Write(data); err != nil {
		return "", fmt.Errorf("hash operation failed: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashReader hashes data from a reader
func (h *hasherImpl) HashReader(reader io.Reader) (string, error) {
	hasher := h.newHash()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("hash operation failed: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// NewHashWriter creates a writer for streaming hash calculation
func (h *hasherImpl) NewHashWriter() *HashWriter {
	return &HashWriter{hash: h.newHash()}
}

// Verify checks if the provided hash matches the calculated hash for the data
func (h *hasherImpl) Verify(data []byte, expectedHash string) (bool, error) {
	actualHash, err := h.Hash(data)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actualHash, expectedHash), nil
}

// ParseHashWithAlgorithm parses a hash string that might include the algorithm as a prefix
// Example formats: "sha256:1234abcd..." or "1234abcd..."
func ParseHashWithAlgorithm(hashStr string) (string, HashAlgorithm) {
	parts := strings.SplitN(hashStr, ":", 2)

	if len(parts) == 2 {
		algorithm := HashAlgorithm(strings.ToLower(parts[0]))
		switch algorithm {
		case MD5, SHA1, SHA256, SHA512, BLAKE2b256:
			return parts[1], algorithm
		}
	}

	return hashStr, ""
}
