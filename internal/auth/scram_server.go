package auth

import (
	"fmt"
	"strings"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// ServerState is the SCRAM server-side exchange state, per spec.md §4.2:
// INIT → SALT_SENT → FINISHED.
type ServerState int

const (
	ServerInit ServerState = iota
	ServerSaltSent
	ServerFinished
)

// Server drives one server-side SCRAM-SHA-256 exchange against a client.
// The exchange ignores the SASL-supplied username and uses the
// startup-packet username instead (spec.md §4.2's first deliberate
// deviation) — callers must supply that username at construction.
type Server struct {
	state ServerState

	username string // from the startup packet, not from the SASL message
	verifier Verifier
	mock     bool

	clientNonce string
	serverNonce string
	gs2Header   string

	clientFirstBare         string
	serverFirstMessage      string
	clientFinalWithoutProof string
}

// NewServer starts a server-side exchange for username, verifying against
// verifier. If mock is true, the exchange still runs to completion (so an
// attacker cannot distinguish an unknown user from a wrong password) but
// HandleClientFinal will always fail.
func NewServer(username string, verifier Verifier, mock bool) *Server {
	return &Server{state: ServerInit, username: username, verifier: verifier, mock: mock}
}

// HandleClientFirst parses the client-first-message (the SASLInitialResponse
// payload, minus the mechanism name) and returns the server-first-message to
// send back as AuthenticationSASLContinue.
//
// Format: gs2-header ("n,," or "y,," or "p=cb,,...") + "n=<user>,r=<nonce>".
// Channel binding ("p=") is rejected per spec.md §4.2.
func (s *Server) HandleClientFirst(clientFirstMessage string) (string, error) {
	if s.state != ServerInit {
		return "", poolerr.New(poolerr.KindProtocolViolation, "SCRAM client-first received out of order")
	}

	gs2, bare, err := splitGS2Header(clientFirstMessage)
	if err != nil {
		return "", poolerr.Wrap(poolerr.KindProtocolViolation, "malformed SCRAM client-first-message", err)
	}
	if strings.HasPrefix(gs2, "p=") {
		return "", poolerr.New(poolerr.KindFeatureNotSupported, "channel binding is not supported")
	}
	s.gs2Header = gs2

	nonce, err := parseClientFirstBare(bare)
	if err != nil {
		return "", poolerr.Wrap(poolerr.KindProtocolViolation, "malformed SCRAM client-first-message-bare", err)
	}
	s.clientFirstBare = bare
	s.clientNonce = nonce

	serverNonceSuffix, err := randomNonce(18)
	if err != nil {
		return "", poolerr.Wrap(poolerr.KindProtocolViolation, "generating server nonce", err)
	}
	s.serverNonce = s.clientNonce + b64(serverNonceSuffix)

	s.serverFirstMessage = fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, b64(s.verifier.Salt), s.verifier.Iterations)
	s.state = ServerSaltSent
	return s.serverFirstMessage, nil
}

// HandleClientFinal parses the client-final-message (the SASLResponse
// payload) and returns the server-final-message to send as
// AuthenticationSASLFinal, or an error if the proof does not verify.
//
// Per spec.md §4.2, on a mock exchange this always returns an AuthFailure
// after performing all the same verification work, so the wire-byte count
// matches a genuine failed attempt (spec.md §8 P6).
func (s *Server) HandleClientFinal(clientFinalMessage string) (string, error) {
	if s.state != ServerSaltSent {
		return "", poolerr.New(poolerr.KindProtocolViolation, "SCRAM client-final received out of order")
	}

	channelBinding, nonce, proofB64, err := parseClientFinal(clientFinalMessage)
	if err != nil {
		return "", poolerr.Wrap(poolerr.KindProtocolViolation, "malformed SCRAM client-final-message", err)
	}
	wantCB := "c=" + b64([]byte(s.gs2Header))
	if channelBinding != wantCB {
		return "", poolerr.New(poolerr.KindProtocolViolation, "channel-binding mismatch")
	}
	if nonce != s.serverNonce {
		return "", poolerr.New(poolerr.KindProtocolViolation, "nonce mismatch")
	}
	proof, err := unb64(proofB64)
	if err != nil {
		return "", poolerr.Wrap(poolerr.KindProtocolViolation, "malformed proof", err)
	}

	s.clientFinalWithoutProof = fmt.Sprintf("%s,r=%s", wantCB, nonce)
	authMessage := s.clientFirstBare + "," + s.serverFirstMessage + "," + s.clientFinalWithoutProof

	clientSignature := hmacSHA256(s.verifier.StoredKey, []byte(authMessage))
	computedClientKey := xorBytes(proof, clientSignature)
	computedStoredKey := sha256Sum(computedClientKey)

	ok := constantTimeEqual(computedStoredKey, s.verifier.StoredKey)
	s.state = ServerFinished

	serverSignature := hmacSHA256(s.verifier.ServerKey, []byte(authMessage))
	serverFinal := "v=" + b64(serverSignature)

	if !ok || s.mock {
		// Always the same generic failure; never reveal which check failed
		// or whether the user even exists (spec.md §4.2, §7 AuthFailure).
		return serverFinal, poolerr.New(poolerr.KindAuthFailure, "password authentication failed")
	}
	return serverFinal, nil
}

// splitGS2Header splits "gs2-header,client-first-message-bare" where the
// header is "n,," / "y,," / "p=<cbname>,,authzid,". We only need to detect a
// leading "p=" to reject channel binding; otherwise skip to the second comma.
func splitGS2Header(msg string) (header, bare string, err error) {
	if strings.HasPrefix(msg, "p=") {
		idx := strings.Index(msg, ",,")
		if idx < 0 {
			return "", "", fmt.Errorf("malformed gs2 header")
		}
		return msg[:idx], msg[idx+2:], nil
	}
	if !strings.HasPrefix(msg, "n,,") && !strings.HasPrefix(msg, "y,,") {
		return "", "", fmt.Errorf("unrecognized gs2 header")
	}
	return msg[:1] + ",,", msg[3:], nil
}

func parseClientFirstBare(bare string) (nonce string, err error) {
	parts := strings.Split(bare, ",")
	var haveUser bool
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "n="):
			haveUser = true // intentionally ignored: spec.md §4.2 deviation
		case strings.HasPrefix(p, "r="):
			nonce = p[2:]
		}
	}
	if !haveUser || nonce == "" {
		return "", fmt.Errorf("missing n= or r= field")
	}
	return nonce, nil
}

func parseClientFinal(msg string) (channelBinding, nonce, proof string, err error) {
	parts := strings.Split(msg, ",")
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "c="):
			channelBinding = p
		case strings.HasPrefix(p, "r="):
			nonce = p[2:]
		case strings.HasPrefix(p, "p="):
			proof = p[2:]
		}
	}
	if channelBinding == "" || nonce == "" || proof == "" {
		return "", "", "", fmt.Errorf("missing c=, r=, or p= field")
	}
	return channelBinding, nonce, proof, nil
}
