package credentials

import (
	"fmt"

	"filippo.io/age"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

// PassphraseFunc supplies the passphrase of an encrypted credentials file.
type PassphraseFunc func() (string, error)

// NewResolverFromConfig creates a CredentialResolver based on the credentials
// config type. For type=age the file is decrypted with the identity file when
// one is configured, otherwise with the passphrase from passphrase. The
// configured username and password remain the default when the file has
// none.
func NewResolverFromConfig(cfg config.CredentialsConfig, passphrase PassphraseFunc) (bridge.CredentialResolver, error) {
	fallback := bridge.Credentials{Username: cfg.Username, Password: cfg.Password}

	switch cfg.Type {
	case "static":
		return &Static{Default: fallback}, nil
	case "age":
		if cfg.File == "" {
			return nil, fmt.Errorf("age credentials require file to be set")
		}
		var ids []age.Identity
		if cfg.IdentityFile != "" {
			var err error
			if ids, err = IdentitiesFromFile(cfg.IdentityFile); err != nil {
				return nil, err
			}
		} else {
			if passphrase == nil {
				return nil, fmt.Errorf("age credentials require identity_file or a passphrase")
			}
			p, err := passphrase()
			if err != nil {
				return nil, fmt.Errorf("reading passphrase: %w", err)
			}
			id, err := PassphraseIdentity(p)
			if err != nil {
				return nil, err
			}
			ids = []age.Identity{id}
		}
		s, err := LoadEncryptedFile(cfg.File, ids...)
		if err != nil {
			return nil, err
		}
		if s.Default.Username == "" {
			s.Default = fallback
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown credentials type: %s", cfg.Type)
	}
}
