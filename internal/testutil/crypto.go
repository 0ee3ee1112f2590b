package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/dkovacs/mailsyncd/internal/crypto"
)

// NewTestEncryptor returns an Encryptor with a fixed 32-byte key for tests.
func NewTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		t.Fatalf("Failed to create test encryptor: %v", err)
	}

	return encryptor
}
