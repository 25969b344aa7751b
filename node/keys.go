package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/ahwlsqja/eth-consensus/crypto"
)

// ErrKeyExists is returned when SaveKey would overwrite a key file.
var ErrKeyExists = errors.New("key file already exists")

// LoadKey reads a hex-encoded secp256k1 private key.
func LoadKey(path string) (*crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key file %s", path)
	}
	kp, err := crypto.KeyPairFromHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid key in %s", path)
	}
	return kp, nil
}

// SaveKey writes kp as hex to a new file readable only by its owner.
func SaveKey(path string, kp *crypto.KeyPair) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Wrap(ErrKeyExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create key directory")
	}
	if err := os.WriteFile(path, []byte(kp.PrivateKeyHex()+"\n"), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write key file %s", path)
	}
	return nil
}
