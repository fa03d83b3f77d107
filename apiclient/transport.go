package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/usbtunnel/internal/server/api/auth"
)

// Config controls dialing, deadlines and authentication.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Password enables the authenticated, encrypted session.
	Password string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Responder answers requests in place of a server.
type Responder func(path string, payload any, pathParams map[string]string) (string, error)

// Transport speaks the wire protocol. A request is the path, an optional
// space and payload, then a NUL byte; the payload may hold newlines. The
// server answers with one line and closes, so the reply is read to EOF.
type Transport struct {
	addr string
	cfg  Config
	mock Responder

	keyOnce sync.Once
	key     []byte
	keyErr  error
}

// NewTransport creates a transport with default timeouts.
func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

// NewTransportWithPassword creates an authenticating transport.
func NewTransportWithPassword(addr, password string) *Transport {
	cfg := defaultConfig()
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig creates a transport; a nil cfg uses the defaults.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	t := &Transport{addr: addr, cfg: defaultConfig()}
	if cfg != nil {
		t.cfg = *cfg
	}
	return t
}

// NewMockTransport creates a transport that never touches the network.
func NewMockTransport(r Responder) *Transport {
	return &Transport{addr: "mock", cfg: defaultConfig(), mock: r}
}

// Do is DoCtx with a background context.
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx sends one request and returns the reply without its trailing
// newline. []byte and string payloads are sent as-is, anything else as
// JSON.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload, pathParams)
	}
	conn, err := t.open(ctx, path, payload, pathParams)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	reply, err := io.ReadAll(conn)
	if err != nil && len(reply) == 0 {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimSuffix(string(reply), "\n"), nil
}

// Stream sends a request and returns the connection with deadlines
// cleared. The caller closes it.
func (t *Transport) Stream(ctx context.Context, path string, payload any, pathParams map[string]string) (net.Conn, error) {
	if t.mock != nil {
		return nil, errors.New("apiclient: mock transport cannot stream")
	}
	conn, err := t.open(ctx, path, payload, pathParams)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (t *Transport) open(ctx context.Context, path string, payload any, pathParams map[string]string) (net.Conn, error) {
	req, err := encodeRequest(path, payload, pathParams)
	if err != nil {
		return nil, err
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	if t.cfg.Password != "" {
		if conn, err = t.authenticate(conn); err != nil {
			return nil, err
		}
	}
	if _, err := conn.Write(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write: %w", err)
	}
	return conn, nil
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn, nil
}

// authenticate runs the handshake on conn and closes it on failure. The
// password is stretched once per transport.
func (t *Transport) authenticate(conn net.Conn) (net.Conn, error) {
	t.keyOnce.Do(func() { t.key, t.keyErr = auth.DeriveKey(t.cfg.Password) })
	if t.keyErr != nil {
		_ = conn.Close()
		return nil, t.keyErr
	}
	sc, err := auth.Client(conn, t.key)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sc, nil
}

func encodeRequest(pattern string, payload any, params map[string]string) ([]byte, error) {
	path := pattern
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	req := []byte(strings.ToLower(path))

	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = b
	}
	if len(body) > 0 {
		req = append(append(req, ' '), body...)
	}
	return append(req, 0), nil
}
