package storage

import (
	"encoding/json"

	"github.com/kartikbazzad/lmcs/internal/crypto"
	"github.com/kartikbazzad/lmcs/internal/errors"
)

// sealBytes encrypts plaintext with vault and returns the JSON encoding
// of the resulting CryptoVault envelope (spec §4.1/§6 file layouts). If
// vault is nil, plaintext is returned unchanged.
func sealBytes(vault *crypto.Vault, plaintext []byte) ([]byte, error) {
	if vault == nil {
		return plaintext, nil
	}
	payload, err := vault.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// openBytes reverses sealBytes. If vault is nil, data is returned
// unchanged.
func openBytes(vault *crypto.Vault, data []byte) ([]byte, error) {
	if vault == nil {
		return data, nil
	}
	var payload crypto.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.CryptoError(errors.CodeMalformedEnvelope, "malformed encrypted envelope", err)
	}
	return vault.Decrypt(&payload)
}
