package core

import "testing"

func TestNewKeyDeterministic(t *testing.T) {
	a := NewKey("127.0.0.1:9000")
	b := NewKey("127.0.0.1:9000")
	if a != b {
		t.Fatalf("expected identical keys for identical input, got %s and %s", a, b)
	}
}

func TestNewKeyDiffers(t *testing.T) {
	a := NewKey("127.0.0.1:9000")
	b := NewKey("127.0.0.1:9001")
	if a == b {
		t.Fatalf("expected distinct keys for distinct input")
	}
}

func TestKeyStringLength(t *testing.T) {
	k := NewKey("anything")
	if len(k.String()) != KeyLen*2 {
		t.Fatalf("expected %d hex chars, got %d (%s)", KeyLen*2, len(k.String()), k)
	}
}

func TestKeyIsZero(t *testing.T) {
	var zero Key
	if !zero.IsZero() {
		t.Fatalf("expected zero-value key to report IsZero")
	}
	k := NewKey("nonzero")
	if k.IsZero() {
		t.Fatalf("expected derived key not to report IsZero")
	}
}
