package auth

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// StoredForm classifies how one password-file entry is encoded, per
// spec.md §4.2/§6: plaintext, MD5-hashed, a SCRAM-SHA-256 verifier,
// AES-encrypted (decrypted lazily with a cluster key), or a "TEXT " prefix
// marker indicating plaintext that was explicitly so labelled. Grounded on
// original_source/src/auth/pool_auth.c's password-entry handling.
type StoredForm int

const (
	FormPlaintext StoredForm = iota
	FormMD5
	FormSCRAM
	FormAESEncrypted
	FormTextLabelled
)

// Entry is one parsed password-file record.
type Entry struct {
	Username string
	Form     StoredForm
	Raw      string // the stored value, before any cluster-key decryption
}

// PasswordStore holds parsed password-file entries plus the optional
// cluster key used to decrypt FormAESEncrypted entries.
type PasswordStore struct {
	entries    map[string]Entry
	clusterKey []byte
}

// NewPasswordStore builds an empty store, optionally with a cluster key for
// AES-encrypted entries (key is stretched to 32 bytes via SHA-256, matching
// pgpool-II's own key handling).
func NewPasswordStore(clusterKey string) *PasswordStore {
	var key []byte
	if clusterKey != "" {
		sum := sha256.Sum256([]byte(clusterKey))
		key = sum[:]
	}
	return &PasswordStore{entries: make(map[string]Entry), clusterKey: key}
}

// LoadFile parses a password file: one record per line, "username:<verifier>".
func (ps *PasswordStore) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("auth: opening password file: %w", err)
	}
	defer f.Close()
	return ps.Load(f)
}

// Load parses records from r.
func (ps *PasswordStore) Load(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return fmt.Errorf("auth: malformed password file line: %q", line)
		}
		user, verifierStr := line[:idx], line[idx+1:]
		ps.entries[user] = classify(user, verifierStr)
	}
	return sc.Err()
}

// Put inserts or replaces one entry directly (used by tests and by runtime
// password changes).
func (ps *PasswordStore) Put(username, verifierStr string) {
	ps.entries[username] = classify(username, verifierStr)
}

func classify(user, raw string) Entry {
	switch {
	case strings.HasPrefix(raw, "SCRAM-SHA-256$"):
		return Entry{Username: user, Form: FormSCRAM, Raw: raw}
	case strings.HasPrefix(raw, "TEXT "):
		return Entry{Username: user, Form: FormTextLabelled, Raw: strings.TrimPrefix(raw, "TEXT ")}
	case strings.HasPrefix(raw, "md5") && len(raw) == 35 && isHex(raw[3:]):
		return Entry{Username: user, Form: FormMD5, Raw: raw}
	case strings.HasPrefix(raw, "AES$"):
		return Entry{Username: user, Form: FormAESEncrypted, Raw: strings.TrimPrefix(raw, "AES$")}
	default:
		return Entry{Username: user, Form: FormPlaintext, Raw: raw}
	}
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// Lookup returns the stored entry for username, or ok=false if absent — the
// caller (the server-side auth driver) must still run a full mock exchange
// in the absent case, per spec.md §4.2.
func (ps *PasswordStore) Lookup(username string) (Entry, bool) {
	e, ok := ps.entries[username]
	return e, ok
}

// Plaintext returns the usable plaintext password for an entry whose Form is
// FormPlaintext, FormTextLabelled, or FormAESEncrypted (decrypting lazily
// with the cluster key). It returns an error for FormMD5/FormSCRAM, which
// are one-way and can only be verified, never recovered — callers needing a
// plaintext password (e.g. the backend-facing client to re-authenticate
// cleartext/MD5-only backends) must use one of the recoverable forms.
func (ps *PasswordStore) Plaintext(e Entry) (string, error) {
	switch e.Form {
	case FormPlaintext, FormTextLabelled:
		return e.Raw, nil
	case FormAESEncrypted:
		return ps.decryptAES(e.Raw)
	default:
		return "", fmt.Errorf("auth: %v form has no recoverable plaintext", e.Form)
	}
}

// ScramVerifier returns the SCRAM verifier for an entry, deriving it on the
// fly for recoverable forms with the given iteration/salt policy, or parsing
// it directly for FormSCRAM.
func (ps *PasswordStore) ScramVerifier(e Entry, iterations int, salt []byte) (Verifier, error) {
	if e.Form == FormSCRAM {
		return ParseVerifier(e.Raw)
	}
	plain, err := ps.Plaintext(e)
	if err != nil {
		return Verifier{}, err
	}
	return BuildVerifier(plain, iterations, salt), nil
}

// MD5Password returns the md5-prefixed verifier string ("md5<hex>") for an
// entry, either returned directly (FormMD5) or computed from a recoverable
// plaintext.
func (ps *PasswordStore) MD5Password(e Entry, username string) (string, error) {
	if e.Form == FormMD5 {
		return e.Raw, nil
	}
	plain, err := ps.Plaintext(e)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(plain + username)) //nolint:gosec
	return "md5" + hex.EncodeToString(sum[:]), nil
}

func (ps *PasswordStore) decryptAES(ciphertextB64 string) (string, error) {
	if len(ps.clusterKey) == 0 {
		return "", fmt.Errorf("auth: AES-encrypted password but no cluster key configured")
	}
	raw, err := unb64(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("auth: malformed AES ciphertext: %w", err)
	}
	block, err := aes.NewCipher(ps.clusterKey)
	if err != nil {
		return "", err
	}
	if len(raw) < aes.BlockSize {
		return "", fmt.Errorf("auth: ciphertext too short")
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	stream := cipher.NewCFBDecrypter(block, iv)
	out := make([]byte, len(ct))
	stream.XORKeyStream(out, ct)
	return string(out), nil
}

// EncryptAES encrypts plaintext with the store's cluster key, producing the
// "AES$<b64>" stored form (used when writing new password entries).
func (ps *PasswordStore) EncryptAES(plaintext string) (string, error) {
	if len(ps.clusterKey) == 0 {
		return "", fmt.Errorf("auth: no cluster key configured")
	}
	block, err := aes.NewCipher(ps.clusterKey)
	if err != nil {
		return "", err
	}
	iv, err := randomNonce(aes.BlockSize)
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(ct, []byte(plaintext))
	return "AES$" + b64(append(iv, ct...)), nil
}
