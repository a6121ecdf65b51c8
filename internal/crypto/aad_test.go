package icrypto

import (
	"bytes"
	"testing"
)

func TestAADEnvelope(t *testing.T) {
	a := AADEnvelope("medical-record-payload@2", 1700000000)
	b := AADEnvelope("medical-record-payload@2", 1700000000)
	if !bytes.Equal(a, b) {
		t.Fatal("AADEnvelope should be deterministic")
	}

	if bytes.Equal(a, AADEnvelope("medical-record-payload@2", 1700000001)) {
		t.Error("timestamp must change the AAD")
	}
	if bytes.Equal(a, AADEnvelope("medical-record-payload@3", 1700000000)) {
		t.Error("schema must change the AAD")
	}
}

func TestBuildAADLengthPrefix(t *testing.T) {
	// Without length prefixes "ab"+"c" and "a"+"bc" would collide.
	if bytes.Equal(buildAAD("ab", "c"), buildAAD("a", "bc")) {
		t.Error("length prefixes should disambiguate adjacent parts")
	}
}
