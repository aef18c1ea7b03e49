package auth

import (
	"encoding/binary"

	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// BackendAuthenticate drives the pooler's client-side authentication against
// a real backend, following whatever AuthenticationRequest the backend
// sends (so the pooler need not know in advance which method a given
// backend demands — it reacts to the AuthenticationRequest type the same
// way a normal client driver would).
func BackendAuthenticate(c *wire.Codec, username, password string) error {
	m, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if m.Kind != MsgAuthentication {
		return poolerr.New(poolerr.KindProtocolViolation, "expected AuthenticationRequest from backend")
	}
	if len(m.Payload) < 4 {
		return poolerr.New(poolerr.KindProtocolViolation, "truncated AuthenticationRequest")
	}
	authType := binary.BigEndian.Uint32(m.Payload[:4])
	extra := m.Payload[4:]

	switch authType {
	case AuthOK:
		return nil

	case AuthCleartext:
		if err := c.WriteAndFlush(MsgPassword, []byte(password+"\x00")); err != nil {
			return err
		}
		return expectAuthOK(c)

	case AuthMD5:
		if len(extra) != 4 {
			return poolerr.New(poolerr.KindProtocolViolation, "malformed MD5 salt")
		}
		resp := computeMD5Password(username, password, extra)
		if err := c.WriteAndFlush(MsgPassword, []byte(resp+"\x00")); err != nil {
			return err
		}
		return expectAuthOK(c)

	case AuthSASL:
		return backendSCRAMExchange(c, username, password, extra)

	default:
		return poolerr.New(poolerr.KindFeatureNotSupported, "unsupported backend auth type")
	}
}

func backendSCRAMExchange(c *wire.Codec, username, password string, mechList []byte) error {
	if !containsMechanism(mechList, scramMechanism) {
		return poolerr.New(poolerr.KindFeatureNotSupported, "backend does not offer SCRAM-SHA-256")
	}

	cl := NewClient(username, password)
	first, err := cl.FirstMessage()
	if err != nil {
		return err
	}
	if err := c.WriteAndFlush(MsgPassword, encodeSASLInitialResponse(scramMechanism, first)); err != nil {
		return err
	}

	m, err := c.ReadMessage()
	if err != nil {
		return err
	}
	authType, payload, err := decodeAuthMessage(m)
	if err != nil {
		return err
	}
	if authType != AuthSASLContinue {
		return poolerr.New(poolerr.KindProtocolViolation, "expected AuthenticationSASLContinue")
	}

	final, err := cl.HandleServerFirst(string(payload))
	if err != nil {
		return err
	}
	if err := c.WriteAndFlush(MsgPassword, []byte(final)); err != nil {
		return err
	}

	m, err = c.ReadMessage()
	if err != nil {
		return err
	}
	authType, payload, err = decodeAuthMessage(m)
	if err != nil {
		return err
	}
	if authType != AuthSASLFinal {
		return poolerr.New(poolerr.KindProtocolViolation, "expected AuthenticationSASLFinal")
	}
	if err := cl.HandleServerFinal(string(payload)); err != nil {
		return err
	}
	return expectAuthOK(c)
}

func expectAuthOK(c *wire.Codec) error {
	m, err := c.ReadMessage()
	if err != nil {
		return err
	}
	authType, _, err := decodeAuthMessage(m)
	if err != nil {
		return err
	}
	if authType != AuthOK {
		return poolerr.New(poolerr.KindAuthFailure, "backend did not confirm authentication")
	}
	return nil
}

func decodeAuthMessage(m wire.Message) (authType uint32, payload []byte, err error) {
	if m.Kind != MsgAuthentication {
		if m.Kind == 'E' {
			return 0, nil, poolerr.New(poolerr.KindAuthFailure, "backend rejected authentication")
		}
		return 0, nil, poolerr.New(poolerr.KindProtocolViolation, "expected AuthenticationRequest")
	}
	if len(m.Payload) < 4 {
		return 0, nil, poolerr.New(poolerr.KindProtocolViolation, "truncated AuthenticationRequest")
	}
	return binary.BigEndian.Uint32(m.Payload[:4]), m.Payload[4:], nil
}

func encodeSASLInitialResponse(mechanism, clientFirst string) []byte {
	buf := append([]byte(mechanism), 0)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(clientFirst)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, clientFirst...)
	return buf
}

func containsMechanism(list []byte, name string) bool {
	off := 0
	for off < len(list) {
		s, n, ok := wire.ReadString(list, off)
		if !ok || n == 1 {
			break
		}
		if s == name {
			return true
		}
		off += n
	}
	return false
}
