package crypto

import (
	"fmt"

	bip32 "github.com/tyler-smith/go-bip32"
	bip39 "github.com/tyler-smith/go-bip39"
)

// DevMnemonic is the well-known development phrase. Keys derived from it
// are public knowledge and must only be used on dev networks.
const DevMnemonic = "bottom drive obey lake curtain smoke basket hold race lonely fit walk"

// authorIndex is the hardened child index used for author keys.
const authorIndex = bip32.FirstHardenedChild + 44

// PrivateKeyFromMnemonic derives the author key m/44' from a BIP-39 phrase.
func PrivateKeyFromMnemonic(mnemonic, passphrase string) (*PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	child, err := master.NewChildKey(authorIndex)
	if err != nil {
		return nil, fmt.Errorf("derive author key: %w", err)
	}
	return PrivateKeyFromBytes(child.Key)
}
