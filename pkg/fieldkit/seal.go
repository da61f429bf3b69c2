package fieldkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealNonceSize  = 12
	sealSaltSize   = 32
	sealKeySize    = 32
	sealIterations = 100000
)

// sealer encrypts cached payloads at rest with AES-256-GCM. The key is
// derived from the device passphrase via PBKDF2; the salt persists in
// the cache's meta table so the same passphrase reopens the cache.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	if len(salt) != sealSaltSize {
		return nil, fmt.Errorf("seal salt must be %d bytes, got %d", sealSaltSize, len(salt))
	}
	key := pbkdf2.Key([]byte(passphrase), salt, sealIterations, sealKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{gcm: gcm}, nil
}

func newSealSalt() ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate seal salt: %w", err)
	}
	return salt, nil
}

// seal encrypts plaintext and prepends the nonce.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts data produced by seal. A wrong passphrase surfaces here
// as an authentication failure.
func (s *sealer) open(data []byte) ([]byte, error) {
	if len(data) < sealNonceSize {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(data))
	}
	nonce, ciphertext := data[:sealNonceSize], data[sealNonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return plaintext, nil
}
