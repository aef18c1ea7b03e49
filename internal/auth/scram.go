// Package auth implements clear-text, MD5, and SCRAM-SHA-256 SASL
// authentication in both directions — as a server to clients and as a
// client to backends — per spec.md §4.2 (C2).
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // PostgreSQL's MD5 auth method is part of the wire protocol, not a security choice made here
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations matches PostgreSQL's default SCRAM iteration count.
	DefaultIterations = 4096
	scramMechanism    = "SCRAM-SHA-256"
)

// Verifier is the parsed form of a stored SCRAM verifier, exactly
// "SCRAM-SHA-256$<iterations>:<b64salt>$<b64stored_key>:<b64server_key>"
// per spec.md §4.2.
type Verifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// String renders the verifier back to its canonical wire format.
func (v Verifier) String() string {
	return fmt.Sprintf("SCRAM-SHA-256$%d:%s$%s:%s",
		v.Iterations,
		base64.StdEncoding.EncodeToString(v.Salt),
		base64.StdEncoding.EncodeToString(v.StoredKey),
		base64.StdEncoding.EncodeToString(v.ServerKey))
}

// ParseVerifier parses the canonical SCRAM verifier format.
func ParseVerifier(s string) (Verifier, error) {
	const prefix = "SCRAM-SHA-256$"
	if !strings.HasPrefix(s, prefix) {
		return Verifier{}, fmt.Errorf("auth: not a SCRAM-SHA-256 verifier")
	}
	rest := s[len(prefix):]
	dollar := strings.IndexByte(rest, '$')
	if dollar < 0 {
		return Verifier{}, fmt.Errorf("auth: malformed verifier")
	}
	head, tail := rest[:dollar], rest[dollar+1:]

	colon := strings.IndexByte(head, ':')
	if colon < 0 {
		return Verifier{}, fmt.Errorf("auth: malformed verifier iteration/salt")
	}
	iterations, err := strconv.Atoi(head[:colon])
	if err != nil {
		return Verifier{}, fmt.Errorf("auth: malformed iteration count: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(head[colon+1:])
	if err != nil {
		return Verifier{}, fmt.Errorf("auth: malformed salt: %w", err)
	}

	colon2 := strings.IndexByte(tail, ':')
	if colon2 < 0 {
		return Verifier{}, fmt.Errorf("auth: malformed verifier keys")
	}
	storedKey, err := base64.StdEncoding.DecodeString(tail[:colon2])
	if err != nil {
		return Verifier{}, fmt.Errorf("auth: malformed stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(tail[colon2+1:])
	if err != nil {
		return Verifier{}, fmt.Errorf("auth: malformed server key: %w", err)
	}

	return Verifier{Iterations: iterations, Salt: salt, StoredKey: storedKey, ServerKey: serverKey}, nil
}

// BuildVerifier derives a SCRAM verifier from a plaintext password, the way
// a password-store entry would be created.
//
// The password bytes enter PBKDF2 as given: saslPrepOrRaw applies no
// SASLprep normalization, to valid or invalid UTF-8 alike.
func BuildVerifier(password string, iterations int, salt []byte) Verifier {
	pw := saslPrepOrRaw(password)
	salted := pbkdf2.Key([]byte(pw), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))
	return Verifier{Iterations: iterations, Salt: salt, StoredKey: storedKey, ServerKey: serverKey}
}

// saslPrepOrRaw returns s unchanged. No SASLprep (RFC 4013) normalization is
// performed: non-ASCII spaces are not mapped, nothing is rejected, and
// invalid UTF-8 passes through as raw bytes.
func saslPrepOrRaw(s string) string {
	if !isValidUTF8(s) {
		return s
	}
	// Valid UTF-8 input is likewise returned as is.
	return s
}

func isValidUTF8(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

// MockSalt derives a deterministic mock salt for an unknown username, using
// sha256(username‖processNonce) truncated to 16 bytes, per spec.md §4.2 ("a
// mock verifier is synthesized from sha256(username ‖ process-wide nonce)").
func MockSalt(username string, processNonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte(username))
	h.Write(processNonce)
	sum := h.Sum(nil)
	return sum[:16]
}

// MockVerifier synthesizes a verifier for a username with no stored
// password, so the exchange runs to completion before failing (spec.md
// §4.2, §8 P6).
func MockVerifier(username string, processNonce []byte) Verifier {
	salt := MockSalt(username, processNonce)
	// The mock password is unguessable and unrelated to any real password;
	// its only purpose is to make the exchange structurally indistinguishable
	// from a real one.
	mockPassword := hex.EncodeToString(sha256Sum(append([]byte(username), processNonce...)))
	return BuildVerifier(mockPassword, DefaultIterations, salt)
}

// pbkdf2SaltedPassword computes PBKDF2-HMAC-SHA256(password, salt, iterations, 32).
func pbkdf2SaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// constantTimeEqual performs a constant-time byte comparison, required by
// spec.md §4.2 "for all final signature checks".
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// computeMD5Password computes PostgreSQL's MD5 auth response:
// "md5" + md5(md5(password+user) + salt).
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...)) //nolint:gosec
	return "md5" + hex.EncodeToString(h2[:])
}

func randomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
