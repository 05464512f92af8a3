package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyFileExists is returned by WriteKeyFile when path is taken.
var ErrKeyFileExists = errors.New("key file already exists")

// PrivateKeyFromHex parses a hex secret, with or without a 0x prefix.
// Surrounding whitespace is ignored.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

// ReadKeyFile loads an author key written by WriteKeyFile.
func ReadKeyFile(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return PrivateKeyFromHex(string(data))
}

// WriteKeyFile stores key as hex with owner-only permissions. It never
// overwrites an existing file.
func WriteKeyFile(path string, key *PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrKeyFileExists, path)
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(hex.EncodeToString(key.Serialize()) + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
