package tor

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // Tor's S2K is defined over SHA-1
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp/s2k" //nolint:staticcheck // only the S2K primitive is used
)

const (
	// s2kSaltLen is the salt length Tor uses for HashedControlPassword.
	s2kSaltLen = 8
	// s2kCountByte encodes an iteration count of 65536 bytes.
	s2kCountByte = 0x60
)

// HashPassword returns the HashedControlPassword value for password, the same
// string `tor --hash-password` prints.
func HashPassword(password string) (string, error) {
	salt := make([]byte, s2kSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hashPasswordWithSalt(password, salt), nil
}

func hashPasswordWithSalt(password string, salt []byte) string {
	digest := make([]byte, sha1.Size)
	s2k.Iterated(digest, sha1.New(), []byte(password), salt, decodeCount(s2kCountByte)) //nolint:gosec // see import

	encoded := make([]byte, 0, len(salt)+1+len(digest))
	encoded = append(encoded, salt...)
	encoded = append(encoded, s2kCountByte)
	encoded = append(encoded, digest...)
	return "16:" + strings.ToUpper(hex.EncodeToString(encoded))
}

// decodeCount expands an RFC 4880 coded iteration count.
func decodeCount(c byte) int {
	return (16 + int(c&15)) << (uint32(c>>4) + 6)
}
