package crypto

import "testing"

func TestVaultRoundTrip(t *testing.T) {
	v := New("correct-horse-battery-staple")
	plaintext := []byte(`{"hello":"world"}`)

	payload, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if payload.Ciphertext == "" || payload.IV == "" || payload.AuthTag == "" || payload.Salt == "" {
		t.Fatalf("expected every envelope field populated, got %+v", payload)
	}

	got, err := v.Decrypt(payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestVaultWrongPasswordFails(t *testing.T) {
	payload, err := New("right-password").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := New("wrong-password").Decrypt(payload); err == nil {
		t.Fatalf("expected decryption with the wrong password to fail")
	}
}

func TestVaultTamperedCiphertextFails(t *testing.T) {
	v := New("a-password")
	payload, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Flip a character in the ciphertext to simulate tampering.
	runes := []rune(payload.Ciphertext)
	if len(runes) == 0 {
		t.Fatalf("empty ciphertext")
	}
	if runes[0] == '0' {
		runes[0] = '1'
	} else {
		runes[0] = '0'
	}
	payload.Ciphertext = string(runes)

	if _, err := v.Decrypt(payload); err == nil {
		t.Fatalf("expected tampered ciphertext to fail GCM authentication")
	}
}

func TestVaultDistinctSaltsPerEncryption(t *testing.T) {
	v := New("a-password")
	a, err := v.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := v.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if a.Salt == b.Salt || a.Ciphertext == b.Ciphertext {
		t.Fatalf("expected distinct salt/ciphertext across encryptions of identical plaintext")
	}
}
