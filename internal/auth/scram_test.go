package auth

import (
	"bytes"
	"net"
	"testing"

	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/wire"
)

func TestSCRAMRoundTrip(t *testing.T) {
	salt, err := randomNonce(16)
	if err != nil {
		t.Fatalf("randomNonce: %v", err)
	}
	verifier := BuildVerifier("correct horse battery staple", DefaultIterations, salt)

	srv := NewServer("alice", verifier, false)
	cl := NewClient("alice", "correct horse battery staple")

	clientFirst, err := cl.FirstMessage()
	if err != nil {
		t.Fatalf("FirstMessage: %v", err)
	}
	serverFirst, err := srv.HandleClientFirst(clientFirst)
	if err != nil {
		t.Fatalf("HandleClientFirst: %v", err)
	}
	clientFinal, err := cl.HandleServerFirst(serverFirst)
	if err != nil {
		t.Fatalf("client HandleServerFirst: %v", err)
	}
	serverFinal, err := srv.HandleClientFinal(clientFinal)
	if err != nil {
		t.Fatalf("server HandleClientFinal: %v", err)
	}
	if err := cl.HandleServerFinal(serverFinal); err != nil {
		t.Fatalf("client HandleServerFinal: %v", err)
	}
}

func TestSCRAMWrongPassword(t *testing.T) {
	salt, _ := randomNonce(16)
	verifier := BuildVerifier("realpassword", DefaultIterations, salt)

	srv := NewServer("bob", verifier, false)
	cl := NewClient("bob", "wrongpassword")

	clientFirst, _ := cl.FirstMessage()
	serverFirst, err := srv.HandleClientFirst(clientFirst)
	if err != nil {
		t.Fatalf("HandleClientFirst: %v", err)
	}
	clientFinal, err := cl.HandleServerFirst(serverFirst)
	if err != nil {
		t.Fatalf("client HandleServerFirst: %v", err)
	}
	if _, err := srv.HandleClientFinal(clientFinal); err == nil {
		t.Fatal("expected auth failure for wrong password, got nil")
	} else if k, _ := poolerr.KindOf(err); k != poolerr.KindAuthFailure {
		t.Fatalf("expected KindAuthFailure, got %v", k)
	}
}

// TestMockExchangeCompletesStructurally verifies that a mock exchange (no
// stored password for the username) runs through every step a real exchange
// would, producing a server-first and server-final message of ordinary
// shape, and fails only at the very end with the same generic error a wrong
// password would produce.
func TestMockExchangeCompletesStructurally(t *testing.T) {
	processNonce, _ := randomNonce(32)
	mockVerifier := MockVerifier("nosuchuser", processNonce)

	srv := NewServer("nosuchuser", mockVerifier, true)
	cl := NewClient("nosuchuser", "whatever-the-attacker-guessed")

	clientFirst, _ := cl.FirstMessage()
	serverFirst, err := srv.HandleClientFirst(clientFirst)
	if err != nil {
		t.Fatalf("mock HandleClientFirst should not fail: %v", err)
	}
	if len(serverFirst) == 0 {
		t.Fatal("mock server-first message is empty")
	}

	clientFinal, err := cl.HandleServerFirst(serverFirst)
	if err != nil {
		t.Fatalf("mock client HandleServerFirst should not fail: %v", err)
	}

	serverFinal, err := srv.HandleClientFinal(clientFinal)
	if err == nil {
		t.Fatal("expected mock exchange to fail authentication")
	}
	if k, _ := poolerr.KindOf(err); k != poolerr.KindAuthFailure {
		t.Fatalf("expected KindAuthFailure, got %v", k)
	}
	if len(serverFinal) == 0 {
		t.Fatal("mock exchange must still return a server-final message, not an early abort")
	}
}

func TestChannelBindingRejected(t *testing.T) {
	salt, _ := randomNonce(16)
	verifier := BuildVerifier("pw", DefaultIterations, salt)
	srv := NewServer("carol", verifier, false)

	if _, err := srv.HandleClientFirst("p=tls-server-end-point,,n=carol,r=abcd"); err == nil {
		t.Fatal("expected channel binding to be rejected")
	} else if k, _ := poolerr.KindOf(err); k != poolerr.KindFeatureNotSupported {
		t.Fatalf("expected KindFeatureNotSupported, got %v", k)
	}
}

func TestMD5Password(t *testing.T) {
	salt := []byte{1, 2, 3, 4}
	got := computeMD5Password("dave", "secret", salt)
	if got[:3] != "md5" || len(got) != 35 {
		t.Fatalf("unexpected md5 password format: %q", got)
	}
	// Deterministic for the same inputs.
	again := computeMD5Password("dave", "secret", salt)
	if got != again {
		t.Fatal("computeMD5Password is not deterministic")
	}
}

func TestVerifierParseRoundTrip(t *testing.T) {
	salt, _ := randomNonce(16)
	v := BuildVerifier("pw", DefaultIterations, salt)
	s := v.String()
	parsed, err := ParseVerifier(s)
	if err != nil {
		t.Fatalf("ParseVerifier: %v", err)
	}
	if parsed.Iterations != v.Iterations || !bytes.Equal(parsed.Salt, v.Salt) ||
		!bytes.Equal(parsed.StoredKey, v.StoredKey) || !bytes.Equal(parsed.ServerKey, v.ServerKey) {
		t.Fatal("parsed verifier does not match original")
	}
}

// pipeCodec returns two connected codecs for exercising ServerAuthenticate
// and BackendAuthenticate against each other over net.Pipe.
func pipeCodec(t *testing.T) (*wire.Codec, *wire.Codec) {
	t.Helper()
	a, b := net.Pipe()
	return wire.NewCodec(a), wire.NewCodec(b)
}

func TestServerAuthenticateSCRAMOverWire(t *testing.T) {
	store := NewPasswordStore("")
	verifier := BuildVerifier("hunter2", DefaultIterations, mustSalt(t))
	store.Put("erin", verifier.String())

	serverSide, clientSide := pipeCodec(t)
	defer serverSide.Close()
	defer clientSide.Close()

	processNonce, _ := randomNonce(32)
	entry, ok := store.Lookup("erin")
	if !ok {
		t.Fatal("expected entry to be present")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServerAuthenticate(serverSide, MethodSCRAM, "erin", store, entry, ok, processNonce, [4]byte{})
	}()

	if err := BackendAuthenticate(clientSide, "erin", "hunter2"); err != nil {
		t.Fatalf("BackendAuthenticate: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ServerAuthenticate: %v", err)
	}
}

func TestServerAuthenticateSCRAMUnknownUserOverWire(t *testing.T) {
	store := NewPasswordStore("")

	serverSide, clientSide := pipeCodec(t)
	defer serverSide.Close()
	defer clientSide.Close()

	processNonce, _ := randomNonce(32)
	entry, ok := store.Lookup("ghost")

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServerAuthenticate(serverSide, MethodSCRAM, "ghost", store, entry, ok, processNonce, [4]byte{})
	}()

	clientErr := BackendAuthenticate(clientSide, "ghost", "some-guess")
	serverErr := <-errCh

	if clientErr == nil {
		t.Fatal("expected client-side auth failure for unknown user")
	}
	if serverErr == nil {
		t.Fatal("expected server-side auth failure for unknown user")
	}
}

func mustSalt(t *testing.T) []byte {
	t.Helper()
	s, err := randomNonce(16)
	if err != nil {
		t.Fatalf("randomNonce: %v", err)
	}
	return s
}
