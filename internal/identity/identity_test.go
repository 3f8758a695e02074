package identity

import "testing"

func TestUserToken_Deterministic(t *testing.T) {
	tok, err := NewTokenizer("test-key")
	if err != nil {
		t.Fatalf("NewTokenizer failed: %v", err)
	}

	a := tok.UserToken("client-abc")
	b := tok.UserToken("client-abc")
	if a != b {
		t.Errorf("same client token produced different user tokens: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestUserToken_DiffersPerClientAndKey(t *testing.T) {
	tok1, _ := NewTokenizer("key-one")
	tok2, _ := NewTokenizer("key-two")

	if tok1.UserToken("client-a") == tok1.UserToken("client-b") {
		t.Error("different clients produced the same token")
	}
	if tok1.UserToken("client-a") == tok2.UserToken("client-a") {
		t.Error("different keys produced the same token")
	}
}

func TestMatches(t *testing.T) {
	tok, _ := NewTokenizer("test-key")
	ut := tok.UserToken("client-abc")

	if !tok.Matches("client-abc", ut) {
		t.Error("Matches should accept the deriving client token")
	}
	if tok.Matches("client-xyz", ut) {
		t.Error("Matches should reject a different client token")
	}
}

func TestNewTokenizer_EmptyKey(t *testing.T) {
	if _, err := NewTokenizer(""); err == nil {
		t.Error("expected error for empty key")
	}
}
