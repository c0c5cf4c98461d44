package keyfile

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const sampleKeyFile = `
[Keys]
"8iBHoOceuO0lsmiRNJyAAvmOPCpau0nvEYeJfg6H4hU=" "BAheoEHgSsMqshmRvAQMO5/dff91n42OYG4Va0bqgL4="
`

func TestParse(t *testing.T) {
	store, err := Parse(strings.NewReader(strings.TrimSpace(sampleKeyFile)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}

	id := KeyID("a04720f2-1ee7-edb8-25b2-6891349c8002:2a3c8ef9-bb5a-ef49-1187-897e0e87e215")
	key, err := store.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	want, _ := hex.DecodeString("04085ea041e04ac32ab21991bc040c3b9fdd7dff759f8d8e606e156b46ea80be")
	if !bytes.Equal(key, want) {
		t.Errorf("Lookup() key = %x, want %x", key, want)
	}
}

func TestParseHexKeys(t *testing.T) {
	doc := `[Keys]
"1234" "9fe75f879e95a5d7f3715c30fce71067fc346efd680fa25e3c737d76acb72b9d"`

	store, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	key, err := store.Lookup(KeyID("1234"))
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(key) != KeyLength {
		t.Errorf("key length = %d, want %d", len(key), KeyLength)
	}
}

func TestParseShortID(t *testing.T) {
	// 16-byte identifiers get the fixed prefix GUID.
	doc := `[Keys]
"9I48K1pa70mRh4l+DofiFQ==" "9fe75f879e95a5d7f3715c30fce71067fc346efd680fa25e3c737d76acb72b9d"`

	store, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
	for id := range store.keys {
		if !strings.HasPrefix(string(id), "bb1755db-5052-4b10-b2ab-f3abf5ca5b41:") {
			t.Errorf("short id %q does not carry the fixed prefix", id)
		}
	}
}

func TestParseLastEntryWins(t *testing.T) {
	doc := `[Keys]
"1" "` + strings.Repeat("00", KeyLength) + `"
"1" "` + strings.Repeat("11", KeyLength) + `"`

	store, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
	key, _ := store.Lookup(KeyID("1"))
	if key[0] != 0x11 {
		t.Error("later entry did not replace earlier one")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing magic", `"1234" "deadbeef"`},
		{"one field", "[Keys]\n\"1234\""},
		{"bad key id", "[Keys]\n\"!!!\" \"" + strings.Repeat("00", KeyLength) + "\""},
		{"key too short", "[Keys]\n\"1234\" \"deadbeef\""},
		{"key not decodable", "[Keys]\n\"1234\" \"zz!not-a-key\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.doc)); !errors.Is(err, ErrFormat) {
				t.Errorf("Parse() error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestParseKeyID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    KeyID
		wantErr bool
	}{
		{
			name: "guid pair",
			in:   "8iBHoOceuO0lsmiRNJyAAvmOPCpau0nvEYeJfg6H4hU=",
			want: KeyID("a04720f2-1ee7-edb8-25b2-6891349c8002:2a3c8ef9-bb5a-ef49-1187-897e0e87e215"),
		},
		{
			name: "numeric",
			in:   "42",
			want: KeyID("42"),
		},
		{
			name:    "numeric out of range",
			in:      "70000",
			wantErr: true,
		},
		{
			name:    "garbage",
			in:      "!!!",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKeyID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseKeyID() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKeyID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseKeyID() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStoreAddAndMerge(t *testing.T) {
	a := NewStore()
	if err := a.Add(KeyID("1"), make([]byte, KeyLength)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := a.Add(KeyID("2"), make([]byte, 16)); !errors.Is(err, ErrFormat) {
		t.Errorf("Add() short key error = %v, want ErrFormat", err)
	}

	b := NewStore()
	id, key := TestKey()
	if err := b.Add(id, key); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	a.Merge(b)
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
	if _, err := a.Lookup(id); err != nil {
		t.Errorf("Lookup(test key) error = %v", err)
	}
}

func TestLookupMissing(t *testing.T) {
	s := NewStore()
	if _, err := s.Lookup(KeyID("absent")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Lookup() error = %v, want ErrKeyNotFound", err)
	}
}

func TestTestKey(t *testing.T) {
	id, key := TestKey()
	if id != KeyID("ddafcf67-7b2c-086d-302b-8adac1bdd3a7:7d53aeb8-5922-f062-b1d7-7e09f5a187a0") {
		t.Errorf("TestKey() id = %s", id)
	}
	if len(key) != KeyLength {
		t.Errorf("TestKey() key length = %d, want %d", len(key), KeyLength)
	}
}
