package providerstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Sealer encrypts credential blobs with an age X25519 identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

// NewSealer returns a sealer for identity.
func NewSealer(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity, recipient: identity.Recipient()}
}

// LoadSealer reads the first identity of an age identity file.
func LoadSealer(path string) (*Sealer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer func() { _ = f.Close() }()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}
	x, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("identity in %s is not an X25519 identity", path)
	}
	return NewSealer(x), nil
}

// GenerateIdentityFile writes a fresh X25519 identity to path. The file must
// not exist yet.
func GenerateIdentityFile(path string) (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	// #nosec G304 -- path is operator supplied
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create identity file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", identity.Recipient(), identity); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return NewSealer(identity), nil
}

// Seal encrypts plaintext into an armored age envelope.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipient)
	if err != nil {
		return "", fmt.Errorf("seal credentials: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("seal credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal credentials: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("seal credentials: %w", err)
	}
	return buf.String(), nil
}

// Open decrypts an armored envelope produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(sealed)), s.identity)
	if err != nil {
		return "", fmt.Errorf("open sealed credentials: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("open sealed credentials: %w", err)
	}
	return string(out), nil
}

// IsSealed reports whether v is an armored age envelope.
func IsSealed(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), armor.Header)
}
