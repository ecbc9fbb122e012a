package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/Martian-dev/mailsync/internal/config"
)

// LoadKey resolves the credential key: the base64 config value when set, otherwise
// the item stored in the OS keyring. A missing keyring item is generated and saved.
func LoadKey(cfg config.CryptoConfig) ([]byte, error) {
	if cfg.Key != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("decoding crypto.key: %w", err)
		}
		return key, nil
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.KeyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.KeyringDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.KeyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return keyFromRing(ring, cfg.KeyringItem)
}

func keyFromRing(ring keyring.Keyring, item string) ([]byte, error) {
	it, err := ring.Get(item)
	if err == nil {
		return base64.StdEncoding.DecodeString(string(it.Data))
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("getting credential key %q: %w", item, err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	err = ring.Set(keyring.Item{
		Key:   item,
		Label: "mailsync credential key",
		Data:  []byte(base64.StdEncoding.EncodeToString(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("setting credential key %q: %w", item, err)
	}
	return key, nil
}
