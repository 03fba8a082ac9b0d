package credentials

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"snapbridge/internal/bridge"
)

// Static resolves credentials from a fixed table keyed by host, falling back
// to Default.
type Static struct {
	Default bridge.Credentials
	ByHost  map[string]bridge.Credentials
}

var _ bridge.CredentialResolver = (*Static)(nil)

func (s *Static) Resolve(ctx context.Context, endpoint bridge.Endpoint) (bridge.Credentials, error) {
	if c, ok := s.ByHost[strings.ToLower(endpoint.Host)]; ok {
		return c, nil
	}
	if s.Default.Username == "" {
		return bridge.Credentials{}, fmt.Errorf("no credentials for host %s", endpoint.Host)
	}
	return s.Default, nil
}

// fileEntry is one credential pair in a credentials file.
type fileEntry struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// File is the plaintext layout of a credentials file:
//
//	[default]
//	username = "bridge"
//	password = "..."
//
//	[hosts."storage.example.org"]
//	username = "..."
//	password = "..."
type File struct {
	Default fileEntry            `toml:"default"`
	Hosts   map[string]fileEntry `toml:"hosts"`
}

func (f *File) resolver() *Static {
	s := &Static{
		Default: bridge.Credentials{Username: f.Default.Username, Password: f.Default.Password},
		ByHost:  make(map[string]bridge.Credentials, len(f.Hosts)),
	}
	for host, e := range f.Hosts {
		s.ByHost[strings.ToLower(host)] = bridge.Credentials{Username: e.Username, Password: e.Password}
	}
	return s
}

// ParseFile decodes a plaintext credentials file.
func ParseFile(r io.Reader) (*Static, error) {
	var f File
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return f.resolver(), nil
}

// LoadEncryptedFile decrypts the age-encrypted credentials file at path.
func LoadEncryptedFile(path string, identities ...age.Identity) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials file: %w", err)
	}
	return ParseFile(r)
}

// Encrypt reads a plaintext credentials file from r, checks that it parses,
// and writes it age-encrypted to w.
func Encrypt(w io.Writer, r io.Reader, recipients ...age.Recipient) error {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	if _, err := ParseFile(strings.NewReader(string(plaintext))); err != nil {
		return err
	}

	encWriter, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := encWriter.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// IdentitiesFromFile reads age X25519 identities from a key file.
func IdentitiesFromFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	return ids, nil
}

// PassphraseIdentity decrypts files encrypted with PassphraseRecipient.
func PassphraseIdentity(passphrase string) (age.Identity, error) {
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	return id, nil
}

// PassphraseRecipient encrypts to a passphrase.
func PassphraseRecipient(passphrase string) (age.Recipient, error) {
	r, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	return r, nil
}

// ParseRecipient parses an "age1..." public key.
func ParseRecipient(s string) (age.Recipient, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing recipient: %w", err)
	}
	return r, nil
}
