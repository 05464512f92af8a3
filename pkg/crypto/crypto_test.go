package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("metachain"))
	b := Hash([]byte("metachain"))
	if a != b {
		t.Fatal("Hash should be deterministic")
	}
	if a == BlakeTwo256([]byte("metachain")) {
		t.Error("BLAKE3 and BLAKE2b digests should differ")
	}
}

func TestHashConcat_OrderMatters(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat should depend on argument order")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	msg := Hash([]byte("header"))

	sig, err := key.Sign(msg[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}
	if !VerifySignature(msg[:], sig, key.PublicKey()) {
		t.Error("valid signature rejected")
	}

	other := Hash([]byte("other"))
	if VerifySignature(other[:], sig, key.PublicKey()) {
		t.Error("signature over a different hash accepted")
	}
	if VerifySignature(msg[:], sig, []byte{0x02}) {
		t.Error("malformed public key accepted")
	}
}

func TestSign_RejectsShortHash(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if _, err := key.Sign([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	original, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	restored, err := PrivateKeyFromBytes(original.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes() error: %v", err)
	}
	if !bytes.Equal(original.PublicKey(), restored.PublicKey()) {
		t.Error("restored key has a different public key")
	}
	if _, err := PrivateKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("expected error for 31-byte key")
	}
}

func TestPrivateKeyFromMnemonic(t *testing.T) {
	k1, err := PrivateKeyFromMnemonic(DevMnemonic, "")
	if err != nil {
		t.Fatalf("PrivateKeyFromMnemonic() error: %v", err)
	}
	k2, err := PrivateKeyFromMnemonic(DevMnemonic, "")
	if err != nil {
		t.Fatalf("PrivateKeyFromMnemonic() error: %v", err)
	}
	if !bytes.Equal(k1.PublicKey(), k2.PublicKey()) {
		t.Error("derivation should be deterministic")
	}

	k3, err := PrivateKeyFromMnemonic(DevMnemonic, "secret")
	if err != nil {
		t.Fatalf("PrivateKeyFromMnemonic() error: %v", err)
	}
	if bytes.Equal(k1.PublicKey(), k3.PublicKey()) {
		t.Error("passphrase should change the derived key")
	}

	if _, err := PrivateKeyFromMnemonic("not a valid phrase", ""); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	raw := hex.EncodeToString(key.Serialize())
	for _, in := range []string{raw, "0x" + raw, "0X" + strings.ToUpper(raw), "  " + raw + "\n"} {
		got, err := PrivateKeyFromHex(in)
		if err != nil {
			t.Errorf("PrivateKeyFromHex(%q) error: %v", in, err)
			continue
		}
		if got.PublicKeyHex() != key.PublicKeyHex() {
			t.Errorf("PrivateKeyFromHex(%q) gave a different key", in)
		}
	}
	for _, in := range []string{"", "zz", raw[:62]} {
		if _, err := PrivateKeyFromHex(in); err == nil {
			t.Errorf("PrivateKeyFromHex(%q) should fail", in)
		}
	}
}

func TestKeyFile_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keys", "author.key")
	if err := WriteKeyFile(path, key); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	loaded, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile: %v", err)
	}
	if !bytes.Equal(loaded.PublicKey(), key.PublicKey()) {
		t.Error("loaded key differs")
	}

	if err := WriteKeyFile(path, key); !errors.Is(err, ErrKeyFileExists) {
		t.Errorf("second WriteKeyFile error = %v, want ErrKeyFileExists", err)
	}
	if _, err := ReadKeyFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ReadKeyFile on a missing file should fail")
	}
}
