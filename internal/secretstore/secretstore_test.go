package secretstore

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewCipher err=%v", err)
	}
	sealed, err := c.Seal("super-secret-value")
	if err != nil {
		t.Fatalf("Seal err=%v", err)
	}
	if !IsSealed(sealed) {
		t.Fatal("expected sealed output to match the envelope pattern")
	}
	got, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	if got != "super-secret-value" {
		t.Fatalf("got %q want super-secret-value", got)
	}
}

func TestOpenPassesThroughUnsealedValues(t *testing.T) {
	c, _ := NewCipher("passphrase")
	got, err := c.Open("plain-value")
	if err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	if got != "plain-value" {
		t.Fatalf("got %q want plain-value", got)
	}
}

func TestOpenFailsWithWrongPassphrase(t *testing.T) {
	c1, _ := NewCipher("passphrase-a")
	c2, _ := NewCipher("passphrase-b")

	sealed, err := c1.Seal("value")
	if err != nil {
		t.Fatalf("Seal err=%v", err)
	}
	if _, err := c2.Open(sealed); err == nil {
		t.Fatal("expected decryption with the wrong passphrase to fail")
	}
}

func TestSealProducesDistinctCiphertextEachCall(t *testing.T) {
	c, _ := NewCipher("passphrase")
	a, _ := c.Seal("same-value")
	b, _ := c.Seal("same-value")
	if a == b {
		t.Fatal("expected distinct envelopes due to random salt/nonce per call")
	}
}

func TestNewCipherRejectsEmptyPassphrase(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}
