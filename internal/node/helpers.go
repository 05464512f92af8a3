package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/metachain/config"
	"github.com/Klingon-tech/metachain/pkg/crypto"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadAuthorKey resolves the sealing key from a key file, a mnemonic or the
// dev mnemonic, in that order. A nil key means blocks are left unsigned.
func loadAuthorKey(cfg config.AuthorshipConfig) (key *crypto.PrivateKey, source string, err error) {
	switch {
	case cfg.AuthorKey != "":
		key, err = crypto.ReadKeyFile(expandHome(cfg.AuthorKey))
		return key, "file", err
	case cfg.AuthorMnemonic != "":
		key, err = crypto.PrivateKeyFromMnemonic(cfg.AuthorMnemonic, "")
		return key, "mnemonic", err
	case cfg.DevKey:
		key, err = crypto.PrivateKeyFromMnemonic(crypto.DevMnemonic, "")
		return key, "dev", err
	}
	return nil, "", nil
}
