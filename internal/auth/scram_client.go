package auth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// ClientState is the SCRAM client-side exchange state, per spec.md §4.2:
// INIT → NONCE_SENT → PROOF_SENT → FINISHED.
type ClientState int

const (
	ClientInit ClientState = iota
	ClientNonceSent
	ClientProofSent
	ClientFinished
)

// Client drives one client-side SCRAM-SHA-256 exchange against a backend,
// grounded on the teacher's internal/pool/scram.go but restructured as an
// explicit state machine so BackendAuthenticate's SCRAM exchange can drive
// it message-by-message instead of the Client owning a blocking read loop.
type Client struct {
	state ClientState

	user     string
	password string

	clientNonce string
	gs2Header   string

	clientFirstBare         string
	serverFirstMessage      string
	clientFinalWithoutProof string
	saltedPassword          []byte
}

// NewClient starts a client-side exchange as user/password.
func NewClient(user, password string) *Client {
	return &Client{state: ClientInit, user: user, password: password, gs2Header: "n,,"}
}

// FirstMessage builds the SASLInitialResponse body (mechanism name is sent
// separately by the caller via the 'p' message envelope).
func (c *Client) FirstMessage() (string, error) {
	if c.state != ClientInit {
		return "", fmt.Errorf("auth: client-first called out of order")
	}
	nonce, err := randomNonce(18)
	if err != nil {
		return "", err
	}
	c.clientNonce = b64(nonce)
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeSASLName(c.user), c.clientNonce)
	c.state = ClientNonceSent
	return c.gs2Header + c.clientFirstBare, nil
}

// HandleServerFirst parses the server-first-message (AuthenticationSASLContinue
// payload) and returns the client-final-message to send as SASLResponse.
func (c *Client) HandleServerFirst(serverFirstMessage string) (string, error) {
	if c.state != ClientNonceSent {
		return "", fmt.Errorf("auth: server-first received out of order")
	}
	nonce, salt, iterations, err := parseServerFirst(serverFirstMessage)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", poolerr.New(poolerr.KindProtocolViolation, "server nonce does not start with client nonce")
	}
	c.serverFirstMessage = serverFirstMessage

	saltedPassword := deriveSaltedPassword(c.password, salt, iterations)
	c.saltedPassword = saltedPassword

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + b64([]byte(c.gs2Header))
	c.clientFinalWithoutProof = fmt.Sprintf("%s,r=%s", channelBinding, nonce)

	authMessage := c.clientFirstBare + "," + c.serverFirstMessage + "," + c.clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	c.state = ClientProofSent
	return c.clientFinalWithoutProof + ",p=" + b64(clientProof), nil
}

// HandleServerFinal verifies the server-final-message (AuthenticationSASLFinal
// payload) against the expected server signature.
func (c *Client) HandleServerFinal(serverFinalMessage string) error {
	if c.state != ClientProofSent {
		return fmt.Errorf("auth: server-final received out of order")
	}
	authMessage := c.clientFirstBare + "," + c.serverFirstMessage + "," + c.clientFinalWithoutProof
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expected := "v=" + b64(expectedSig)

	c.state = ClientFinished
	if !constantTimeEqual([]byte(expected), []byte(serverFinalMessage)) {
		return poolerr.New(poolerr.KindAuthFailure, "server signature mismatch")
	}
	return nil
}

func deriveSaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2SaltedPassword(saslPrepOrRaw(password), salt, iterations)
}

func escapeSASLName(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = unb64(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding iterations: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}
