// Package crypto implements CryptoVault: authenticated symmetric
// encryption of arbitrary byte strings, keyed by a user-supplied
// password (spec §4.1).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/kartikbazzad/lmcs/internal/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 32
	ivSize         = 16
	keySize        = 32
	pbkdf2Iterations = 100_000
	envelopeVersion  = 1
)

// Payload is the self-describing encrypted envelope: every field is
// hex-encoded so the struct round-trips cleanly through JSON.
type Payload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Version    int    `json:"version"`
}

// Vault derives a key from a password and performs AES-256-GCM
// encryption/decryption. A Vault is safe for concurrent use — it is
// stateless beyond the password it was constructed with.
type Vault struct {
	password string
}

// New returns a Vault keyed by password. The password itself is never
// stored encoded; it is only ever fed to PBKDF2.
func New(password string) *Vault {
	return &Vault{password: password}
}

// Encrypt produces a self-describing Payload for plaintext using a fresh
// random salt and IV.
func (v *Vault) Encrypt(plaintext []byte) (*Payload, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "failed to generate salt", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "failed to generate iv", err)
	}

	key := pbkdf2.Key([]byte(v.password), salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "failed to construct cipher", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "failed to construct GCM", err)
	}

	// Seal appends the tag to the ciphertext; split it back out so the
	// envelope carries ciphertext and authTag as separate hex fields.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagStart]
	tag := sealed[tagStart:]

	return &Payload{
		Ciphertext: hex.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(tag),
		Salt:       hex.EncodeToString(salt),
		Iterations: pbkdf2Iterations,
		Version:    envelopeVersion,
	}, nil
}

// Decrypt recovers the plaintext from a Payload. A wrong password or a
// tampered payload both surface as a CryptoError (GCM tag mismatch).
func (v *Vault) Decrypt(p *Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "nil payload", nil)
	}

	salt, err := hex.DecodeString(p.Salt)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "malformed salt", err)
	}
	iv, err := hex.DecodeString(p.IV)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "malformed iv", err)
	}
	ciphertext, err := hex.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "malformed ciphertext", err)
	}
	tag, err := hex.DecodeString(p.AuthTag)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "malformed auth tag", err)
	}

	iterations := p.Iterations
	if iterations <= 0 {
		iterations = pbkdf2Iterations
	}
	key := pbkdf2.Key([]byte(v.password), salt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "failed to construct cipher", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "failed to construct GCM", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.CryptoError(errors.CodeAuthTagMismatch, "decryption failed: wrong key or corrupt payload", err)
	}

	return plaintext, nil
}
