package cryptoutil

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestSHA256Hex(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", []byte("abc"), "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"pdf magic", []byte("%PDF-"), SHA256Hex([]byte{'%', 'P', 'D', 'F', '-'})},
	}
	for _, tt := range tests {
		if got := SHA256Hex(tt.in); got != tt.want {
			t.Errorf("%s: SHA256Hex = %q, want %q", tt.name, got, tt.want)
		}
	}
	if SHA256Hex([]byte("invoice-a.pdf")) == SHA256Hex([]byte("invoice-b.pdf")) {
		t.Fatal("distinct uploads share a digest")
	}
}

func FuzzSHA256Hex(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte{0xff, 0xd8, 0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		got := SHA256Hex(data)
		raw, err := hex.DecodeString(got)
		if err != nil || len(raw) != 32 || got != strings.ToLower(got) {
			t.Fatalf("SHA256Hex(%x) = %q", data, got)
		}
	})
}
