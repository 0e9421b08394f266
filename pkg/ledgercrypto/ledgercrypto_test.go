package ledgercrypto

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}

	msg := []byte("a page to sign")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(pub, msg, sig) {
		t.Error("Verify rejected a valid signature")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Error("Verify accepted a signature over the wrong message")
	}
}

func TestSignRejectsMalformedKey(t *testing.T) {
	if _, err := Sign(make([]byte, 3), []byte("x")); err != ErrInvalidKey {
		t.Errorf("Sign with undersized key = %v, want ErrInvalidKey", err)
	}
}

func TestVerifyRejectsMalformedInputWithoutPanic(t *testing.T) {
	if Verify(make([]byte, 3), []byte("x"), make([]byte, 64)) {
		t.Error("Verify accepted an undersized public key")
	}
	if Verify(make([]byte, 32), []byte("x"), make([]byte, 3)) {
		t.Error("Verify accepted an undersized signature")
	}
}

func TestComputeIDIsDeterministicAndSignatureIndependent(t *testing.T) {
	rec := &ledger.Record{
		Kind:      ledger.KindVoteCast,
		Author:    "principal-1",
		Tier:      ledger.TierPage,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   []byte(`{"choice":"yes"}`),
	}

	id1 := ComputeID(rec)
	id2 := ComputeID(rec)
	if id1 != id2 {
		t.Error("ComputeID is not deterministic for identical input")
	}

	rec.AuthorSig = []byte("some-signature")
	if got := ComputeID(rec); got != id1 {
		t.Error("ComputeID changed after setting AuthorSig; canonical bytes must exclude signatures")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("ConstantTimeEqual(abc, abc) = false")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("ConstantTimeEqual(abc, abd) = true")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Error("ConstantTimeEqual accepted differing lengths")
	}
}

func TestKeyManagerGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "validator-1.priv")

	km := NewKeyManager(keyPath)
	if err := km.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	pub := km.PublicKey()

	sig, err := km.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(pub, []byte("hello"), sig) {
		t.Error("signature from generated key did not verify")
	}

	reloaded := NewKeyManager(keyPath)
	if err := reloaded.LoadOrGenerate(); err != nil {
		t.Fatalf("reload LoadOrGenerate: %v", err)
	}
	if !reloaded.PublicKey().Equal(pub) {
		t.Error("reloaded key manager produced a different public key than the one it persisted")
	}
}

func TestKeyManagerWithoutPathStaysInMemory(t *testing.T) {
	km := NewKeyManager("")
	if err := km.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if km.PrivateKey() == nil {
		t.Error("expected an in-memory key to be generated")
	}
}
