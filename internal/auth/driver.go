package auth

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"

	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// Wire-level auth message kinds/types, per spec.md §6.
const (
	MsgAuthentication byte = 'R'
	MsgPassword       byte = 'p'

	AuthOK             uint32 = 0
	AuthCleartext      uint32 = 3
	AuthMD5            uint32 = 5
	AuthSASL           uint32 = 10
	AuthSASLContinue   uint32 = 11
	AuthSASLFinal      uint32 = 12
)

// Method is the negotiated authentication method for one user.
type Method int

const (
	MethodTrust Method = iota
	MethodCleartext
	MethodMD5
	MethodSCRAM
)

// ServerAuthenticate runs the server side of authentication against a
// connected client, given the resolved Method and password-store entry (the
// entry's zero value with ok=false drives the SCRAM mock-verifier path, per
// spec.md §4.2 — it is the caller's job to still call this with method
// MethodSCRAM and entryOK=false rather than short-circuiting, so the full
// exchange runs).
func ServerAuthenticate(c *wire.Codec, method Method, username string, store *PasswordStore, entry Entry, entryOK bool, processNonce []byte, md5Salt [4]byte) error {
	switch method {
	case MethodTrust:
		return sendAuthOK(c)

	case MethodCleartext:
		if err := sendAuthRequest(c, AuthCleartext, nil); err != nil {
			return err
		}
		pw, err := readPasswordMessage(c)
		if err != nil {
			return err
		}
		want, err := store.Plaintext(entry)
		if err != nil || pw != want {
			return poolerr.New(poolerr.KindAuthFailure, "password authentication failed")
		}
		return sendAuthOK(c)

	case MethodMD5:
		if err := sendAuthRequest(c, AuthMD5, md5Salt[:]); err != nil {
			return err
		}
		pw, err := readPasswordMessage(c)
		if err != nil {
			return err
		}
		verifier, err := store.MD5Password(entry, username)
		if err != nil || len(verifier) != 35 {
			return poolerr.New(poolerr.KindAuthFailure, "password authentication failed")
		}
		// The client answers "md5" + md5(hex verifier + salt).
		sum := md5.Sum(append([]byte(verifier[3:]), md5Salt[:]...)) //nolint:gosec
		if pw != "md5"+hex.EncodeToString(sum[:]) {
			return poolerr.New(poolerr.KindAuthFailure, "password authentication failed")
		}
		return sendAuthOK(c)

	case MethodSCRAM:
		return serverSCRAMExchange(c, username, store, entry, entryOK, processNonce)

	default:
		return poolerr.New(poolerr.KindFeatureNotSupported, "unknown auth method")
	}
}

func serverSCRAMExchange(c *wire.Codec, username string, store *PasswordStore, entry Entry, entryOK bool, processNonce []byte) error {
	salt, err := randomNonce(16)
	if err != nil {
		return err
	}

	var verifier Verifier
	mock := !entryOK
	if entryOK {
		verifier, err = store.ScramVerifier(entry, DefaultIterations, salt)
		if err != nil {
			mock = true
		}
	}
	if mock {
		verifier = MockVerifier(username, processNonce)
	}

	srv := NewServer(username, verifier, mock)

	// AuthenticationSASL: mechanism list, NUL-terminated, double-NUL terminated list.
	mechList := append([]byte(scramMechanism), 0, 0)
	if err := sendAuthRequest(c, AuthSASL, mechList); err != nil {
		return err
	}

	initial, err := readPasswordMessage(c)
	if err != nil {
		return err
	}
	clientFirst, err := stripSASLInitialResponse([]byte(initial))
	if err != nil {
		return poolerr.Wrap(poolerr.KindProtocolViolation, "malformed SASLInitialResponse", err)
	}

	serverFirst, err := srv.HandleClientFirst(clientFirst)
	if err != nil {
		return err
	}
	if err := sendAuthRequest(c, AuthSASLContinue, []byte(serverFirst)); err != nil {
		return err
	}

	clientFinalRaw, err := readPasswordMessage(c)
	if err != nil {
		return err
	}

	serverFinal, authErr := srv.HandleClientFinal(clientFinalRaw)
	// The server-final message (or a generic failure) is sent either way so
	// that a mock exchange is byte-for-byte like a real failed one
	// (spec.md §8 P6); only the content after a genuine failure differs by
	// carrying no further AuthenticationOK.
	if authErr != nil {
		if sendErr := sendAuthRequest(c, AuthSASLFinal, []byte(serverFinal)); sendErr != nil {
			return sendErr
		}
		return authErr
	}
	if err := sendAuthRequest(c, AuthSASLFinal, []byte(serverFinal)); err != nil {
		return err
	}
	return sendAuthOK(c)
}

func sendAuthOK(c *wire.Codec) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, AuthOK)
	return c.WriteAndFlush(MsgAuthentication, payload)
}

func sendAuthRequest(c *wire.Codec, authType uint32, extra []byte) error {
	payload := make([]byte, 4+len(extra))
	binary.BigEndian.PutUint32(payload[:4], authType)
	copy(payload[4:], extra)
	return c.WriteAndFlush(MsgAuthentication, payload)
}

func readPasswordMessage(c *wire.Codec) (string, error) {
	m, err := c.ReadMessage()
	if err != nil {
		return "", err
	}
	if m.Kind != MsgPassword {
		return "", poolerr.New(poolerr.KindProtocolViolation, "expected password message")
	}
	return string(m.Payload), nil
}

// stripSASLInitialResponse parses the SASLInitialResponse body:
// mechanism\0 + int32(len) + clientFirstMessage, returning the message.
func stripSASLInitialResponse(payload []byte) (string, error) {
	mech, n, ok := wire.ReadString(payload, 0)
	_ = mech
	if !ok || n+4 > len(payload) {
		return "", poolerr.New(poolerr.KindProtocolViolation, "malformed SASLInitialResponse")
	}
	l := int(binary.BigEndian.Uint32(payload[n : n+4]))
	start := n + 4
	if start+l > len(payload) {
		return "", poolerr.New(poolerr.KindProtocolViolation, "SASLInitialResponse length overrun")
	}
	return string(payload[start : start+l]), nil
}
