package crypto

import "testing"

func pairedContexts(t *testing.T) (a, b *Context) {
	t.Helper()
	aPub, aPriv, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bPub, bPriv, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	a, err = InitPubkeyMode(RoleInitiator, aPub, aPriv)
	if err != nil {
		t.Fatal(err)
	}
	b, err = InitPubkeyMode(RoleResponder, bPub, bPriv)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetPeerEphemeral(b.EphemeralPublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := b.SetPeerEphemeral(a.EphemeralPublicKey()); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := pairedContexts(t)

	for _, msg := range [][]byte{nil, []byte(""), []byte("hello"), make([]byte, 4096)} {
		ct, err := a.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := b.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if len(pt) != len(msg) {
			t.Fatalf("len(pt) = %d, want %d", len(pt), len(msg))
		}
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	a, b := pairedContexts(t)
	ct, err := a.Encrypt([]byte("sensitive"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0x01 // flip a bit in the tag
	if _, err := b.Decrypt(ct); err != ErrAuthFailed {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestDecryptTamperedBodyFails(t *testing.T) {
	a, b := pairedContexts(t)
	ct, err := a.Encrypt([]byte("sensitive data here"))
	if err != nil {
		t.Fatal(err)
	}
	ct[nonceCounterSize+2] ^= 0x01
	if _, err := b.Decrypt(ct); err != ErrAuthFailed {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestDecryptBufferTooSmall(t *testing.T) {
	a, b := pairedContexts(t)
	_ = a
	if _, err := b.Decrypt([]byte{1, 2, 3}); err != ErrBufferTooSmall {
		t.Fatalf("got %v, want ErrBufferTooSmall", err)
	}
}

func TestNonceMonotonicity(t *testing.T) {
	a, b := pairedContexts(t)
	var last uint64
	for i := 0; i < 5; i++ {
		ct, err := a.Encrypt([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		counter := decodeCounter(ct)
		if i > 0 && counter <= last {
			t.Fatalf("nonce counter did not strictly increase: %d <= %d", counter, last)
		}
		last = counter
		if _, err := b.Decrypt(ct); err != nil {
			t.Fatalf("decrypt: %v", err)
		}
	}
}

func TestNonceExhaustion(t *testing.T) {
	a, _ := pairedContexts(t)
	a.nonceCounter = 0
	a.nonceUsed = true // simulate the counter having already wrapped back to 0
	if _, err := a.Encrypt([]byte("x")); err != ErrNonceExhausted {
		t.Fatalf("got %v, want ErrNonceExhausted", err)
	}
}

func TestEncryptBeforeReadyFails(t *testing.T) {
	pub, priv, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	c, err := InitPubkeyMode(RoleInitiator, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Encrypt([]byte("x")); err != ErrKeyExchangeIncomplete {
		t.Fatalf("got %v, want ErrKeyExchangeIncomplete", err)
	}
}

func TestPasswordModeRoundTrip(t *testing.T) {
	a, err := InitPasswordMode(RoleInitiator, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	b, err := InitPasswordMode(RoleResponder, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := a.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello" {
		t.Fatalf("pt = %q, want hello", pt)
	}
	if !b.VerifyPassword("s3cret") {
		t.Fatal("VerifyPassword should accept the correct password")
	}
	if b.VerifyPassword("wrong") {
		t.Fatal("VerifyPassword should reject an incorrect password")
	}
}

func TestPasswordModeWrongPasswordDivergesKeys(t *testing.T) {
	a, err := InitPasswordMode(RoleInitiator, "correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	b, err := InitPasswordMode(RoleResponder, "wrong-password")
	if err != nil {
		t.Fatal(err)
	}
	ct, err := a.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); err != ErrAuthFailed {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func decodeCounter(ct []byte) uint64 {
	var v uint64
	for i := 0; i < nonceCounterSize; i++ {
		v = v<<8 | uint64(ct[i])
	}
	return v
}
