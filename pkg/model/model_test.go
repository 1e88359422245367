package model

import (
	"errors"
	"strings"
	"testing"
)

func TestParseIdentity(t *testing.T) {
	valid := strings.Repeat("ab", IdentitySize)
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid", valid, nil},
		{"valid with whitespace", " " + valid + "\n", nil},
		{"upper case", strings.ToUpper(valid), nil},
		{"empty", "", ErrIdentityLength},
		{"too short", "abcd", ErrIdentityLength},
		{"too long", valid + "00", ErrIdentityLength},
		{"not hex", strings.Repeat("zz", IdentitySize), ErrIdentityEncoding},
		{"odd length", valid[:63], ErrIdentityEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentity(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseIdentity(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err == nil && id.String() != valid {
				t.Fatalf("ParseIdentity(%q) = %s", tt.input, id)
			}
		})
	}
}

func TestIdentityFromBytes(t *testing.T) {
	if _, err := IdentityFromBytes(make([]byte, 31)); !errors.Is(err, ErrIdentityLength) {
		t.Fatalf("31 bytes: got %v", err)
	}
	raw := make([]byte, IdentitySize)
	raw[0] = 0xde
	raw[1] = 0xad
	id, err := IdentityFromBytes(raw)
	if err != nil {
		t.Fatalf("IdentityFromBytes: %v", err)
	}
	raw[0] = 0
	if id[0] != 0xde {
		t.Fatalf("identity aliases its input")
	}
	if got := NewUser(id).String(); got != "dead0000" {
		t.Fatalf("User.String() = %q", got)
	}
}

func TestUsersCompareByKey(t *testing.T) {
	var k Identity
	k[5] = 1
	if NewUser(k) != NewUser(k) {
		t.Fatalf("users with equal keys differ")
	}
	var other Identity
	if NewUser(k) == NewUser(other) {
		t.Fatalf("users with different keys are equal")
	}
}

func TestRoomID(t *testing.T) {
	if _, err := RoomIDFromBytes(make([]byte, 33)); !errors.Is(err, ErrRoomIDLength) {
		t.Fatalf("33 bytes: got %v", err)
	}
	var a, b RoomID
	b[31] = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprints of different rooms collide")
	}
	fp := a.Fingerprint()
	if len(fp) != 16 {
		t.Fatalf("fingerprint %q has length %d", fp, len(fp))
	}
	if a.String() != "room:"+fp {
		t.Fatalf("String() = %q", a.String())
	}
	if strings.Contains(a.String(), strings.Repeat("00", 16)) {
		t.Fatalf("String() leaks the secret: %q", a.String())
	}
}
