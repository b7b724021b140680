package idempotency

import "testing"

func TestGenerateKeyDeterministic(t *testing.T) {
	a := GenerateKey("n-1", "u-1", "email", 0)
	b := GenerateKey("n-1", "u-1", "email", 0)
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestGenerateKeyDiscriminates(t *testing.T) {
	base := GenerateKey("n-1", "u-1", "email", 0)
	variants := []string{
		GenerateKey("n-2", "u-1", "email", 0),
		GenerateKey("n-1", "u-2", "email", 0),
		GenerateKey("n-1", "u-1", "sms", 0),
		GenerateKey("n-1", "u-1", "email", 1),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}
