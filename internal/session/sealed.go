package session

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// ageHeader prefixes every age-encrypted file.
const ageHeader = "age-encryption.org/"

// sealWorkFactor is the scrypt log2 work factor used when sealing. The file
// is rewritten after every round, so it stays well below age's default.
var sealWorkFactor = 15

func isSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(ageHeader))
}

func seal(plaintext []byte, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("create session recipient: %w", err)
	}
	recipient.SetWorkFactor(sealWorkFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("create session encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("seal session: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize sealed session: %w", err)
	}
	return buf.Bytes(), nil
}

func unseal(ciphertext []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("create session identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("unseal session: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sealed session: %w", err)
	}
	return plaintext, nil
}
