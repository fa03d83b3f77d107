package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	apitypes "github.com/Alia5/usbtunnel/apitypes"
	apierror "github.com/Alia5/usbtunnel/internal/server/api/error"
)

const (
	HandshakeMagic = "uTN1\x00"
	NonceSize      = 32
	ProofSize      = sha256.Size
	// HelloSize is the length of the client's opening message.
	HelloSize = len(HandshakeMagic) + NonceSize + ProofSize

	acceptPrefix = "OK\x00"
	clientLabel  = "usbtunnel-client-v1"
	serverLabel  = "usbtunnel-server-v1"
)

var (
	ErrMissingKey  = errors.New("auth: missing key")
	ErrServerProof = errors.New("auth: server does not know the password")
)

// IsAuthHandshake reports whether r starts with HandshakeMagic. It peeks
// one byte at a time so a plain request shorter than the magic never
// blocks.
func IsAuthHandshake(r *bufio.Reader) (bool, error) {
	for i := 1; i <= len(HandshakeMagic); i++ {
		b, err := r.Peek(i)
		if err != nil {
			return false, err
		}
		if b[i-1] != HandshakeMagic[i-1] {
			return false, nil
		}
	}
	return true, nil
}

// DiscardHello drops a client hello the server cannot answer, so closing
// the connection does not reset it before the client reads the error.
func DiscardHello(r *bufio.Reader) {
	_, _ = r.Discard(HelloSize)
}

func newNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Client runs the client side of the handshake on conn and returns the
// encrypted session. A server refusing the hello answers with a problem
// JSON line, returned as *apitypes.ApiError.
func Client(conn net.Conn, key []byte) (*Conn, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	clientNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	hello := make([]byte, 0, HelloSize)
	hello = append(hello, HandshakeMagic...)
	hello = append(hello, clientNonce...)
	hello = append(hello, mac(key, clientLabel, clientNonce)...)
	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	prefix := make([]byte, len(acceptPrefix))
	if _, err := io.ReadFull(conn, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apierror.ErrUnauthorized("server closed the handshake")
		}
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	if string(prefix) != acceptPrefix {
		return nil, rejection(prefix, conn)
	}

	reply := make([]byte, NonceSize+ProofSize)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, fmt.Errorf("read server nonce: %w", err)
	}
	serverNonce, serverProof := reply[:NonceSize], reply[NonceSize:]
	if !hmac.Equal(serverProof, mac(key, serverLabel, clientNonce, serverNonce)) {
		return nil, ErrServerProof
	}

	keys := DeriveSessionKeys(key, clientNonce, serverNonce)
	return WrapConn(conn, nil, keys.ClientToServer, keys.ServerToClient)
}

func rejection(prefix []byte, r io.Reader) error {
	rest, _ := io.ReadAll(io.LimitReader(r, 4096))
	line := strings.TrimSpace(string(append(prefix, rest...)))
	var apiErr apitypes.ApiError
	if err := json.Unmarshal([]byte(line), &apiErr); err == nil && (apiErr.Status != 0 || apiErr.Title != "") {
		return &apiErr
	}
	return fmt.Errorf("invalid handshake response from server: %q", line)
}

// Accept runs the server side of the handshake. r must be positioned at the
// magic; the returned session keeps reading through r.
func Accept(conn net.Conn, r *bufio.Reader, key []byte) (*Conn, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	hello := make([]byte, HelloSize)
	if _, err := io.ReadFull(r, hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if string(hello[:len(HandshakeMagic)]) != HandshakeMagic {
		return nil, apierror.ErrBadRequest("not an authentication handshake")
	}
	clientNonce := hello[len(HandshakeMagic) : len(HandshakeMagic)+NonceSize]
	clientProof := hello[len(HandshakeMagic)+NonceSize:]
	if !hmac.Equal(clientProof, mac(key, clientLabel, clientNonce)) {
		return nil, apierror.ErrUnauthorized("invalid password")
	}

	serverNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	reply := make([]byte, 0, len(acceptPrefix)+NonceSize+ProofSize)
	reply = append(reply, acceptPrefix...)
	reply = append(reply, serverNonce...)
	reply = append(reply, mac(key, serverLabel, clientNonce, serverNonce)...)
	if _, err := conn.Write(reply); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	keys := DeriveSessionKeys(key, clientNonce, serverNonce)
	return WrapConn(conn, r, keys.ServerToClient, keys.ClientToServer)
}
