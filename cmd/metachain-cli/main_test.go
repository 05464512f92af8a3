package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/metachain/pkg/block"
)

func TestParseTx(t *testing.T) {
	tests := []struct {
		in      string
		want    block.ExternalTx
		wantErr bool
	}{
		{"alice:bob:10", block.ExternalTx{From: "alice", To: "bob", Amount: 10}, false},
		{"a:b:-3", block.ExternalTx{From: "a", To: "b", Amount: -3}, false},
		{"alice:bob", block.ExternalTx{}, true},
		{"alice:bob:ten", block.ExternalTx{}, true},
		{"a:b:c:1", block.ExternalTx{}, true},
	}
	for _, tt := range tests {
		got, err := parseTx(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTx(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTx(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseTxs_StopsAtFirstError(t *testing.T) {
	if _, err := parseTxs([]string{"a:b:1", "broken"}); err == nil {
		t.Fatal("expected error")
	}
	txs, err := parseTxs(nil)
	if err != nil || len(txs) != 0 {
		t.Fatalf("parseTxs(nil) = %v, %v", txs, err)
	}
}

func TestReadPayload(t *testing.T) {
	got, err := readPayload("0xDEad")
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	if string(got) != "\xde\xad" {
		t.Errorf("hex payload = %x", got)
	}

	path := filepath.Join(t.TempDir(), "block.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0600); err != nil {
		t.Fatal(err)
	}
	got, err = readPayload("@" + path)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("file payload = %x", got)
	}

	if _, err := readPayload("zz"); err == nil {
		t.Error("expected error for bad hex")
	}
}
