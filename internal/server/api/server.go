package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/Alia5/usbtunnel/apitypes"
	"github.com/Alia5/usbtunnel/internal/server/api/auth"
	apierror "github.com/Alia5/usbtunnel/internal/server/api/error"
)

// Server implements a small TCP API for managing a controller session.
type Server struct {
	addr   string
	ln     net.Listener
	logger *slog.Logger
	router *Router
	config ServerConfig
	key    []byte

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a new API server. A configured password is stretched once
// here so handshakes stay cheap.
func New(config ServerConfig, logger *slog.Logger) (*Server, error) {
	a := &Server{
		addr:   config.Addr,
		logger: logger,
		config: config,
		router: NewRouter(),
		conns:  make(map[net.Conn]struct{}),
	}
	if config.Password != "" {
		key, err := auth.DeriveKey(config.Password)
		if err != nil {
			return nil, err
		}
		a.key = key
	} else if config.RequireAuth {
		return nil, errors.New("api: authentication required but no password set")
	}
	return a, nil
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Addr returns the bound address once Start succeeded.
func (a *Server) Addr() string {
	if a.ln == nil {
		return a.addr
	}
	return a.ln.Addr().String()
}

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	go a.serve()
	return nil
}

// Close stops the API server and ends open stream connections.
func (a *Server) Close() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
	a.mu.Lock()
	for c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()
}

func (a *Server) serve() {
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func (a *Server) track(c net.Conn, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.conns[c] = struct{}{}
	} else {
		delete(a.conns, c)
	}
}

// reply writes the single response line: a problem for err, else body.
func reply(w io.Writer, body string, err error) {
	if err != nil {
		b, _ := json.Marshal(WrapError(err))
		body = string(b)
	}
	_, _ = io.WriteString(w, body+"\n")
}

// secure runs the handshake when the client starts one and returns the
// connection and reader to use for the request.
func (a *Server) secure(conn net.Conn, r *bufio.Reader, logger *slog.Logger) (net.Conn, *bufio.Reader, error) {
	isAuth, err := auth.IsAuthHandshake(r)
	if err != nil {
		return nil, nil, err
	}
	if !isAuth {
		if a.config.RequireAuth {
			return nil, nil, apierror.ErrUnauthorized("authentication required")
		}
		return conn, r, nil
	}
	if a.key == nil {
		auth.DiscardHello(r)
		return nil, nil, apierror.ErrBadRequest("authentication not configured")
	}
	sc, err := auth.Accept(conn, r, a.key)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("api session authenticated")
	return sc, bufio.NewReader(sc), nil
}

// readRequest reads up to the NUL terminator and splits off the path at
// the first whitespace.
func readRequest(r *bufio.Reader) (path, payload string, err error) {
	line, err := r.ReadString(0)
	if err != nil {
		return "", "", err
	}
	line = strings.TrimSuffix(line, "\x00")
	if line == "" {
		return "", "", ErrBadRequest("empty request")
	}
	path, payload = line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		_, size := utf8.DecodeRuneInString(line[i:])
		path, payload = line[:i], line[i+size:]
	}
	if path == "" {
		return "", "", ErrBadRequest("empty path")
	}
	return strings.ToLower(path), payload, nil
}

func (a *Server) handleConn(conn net.Conn) {
	a.track(conn, true)
	defer a.track(conn, false)
	handedOff := false
	defer func() {
		if !handedOff {
			_ = conn.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := a.logger.With("remote", conn.RemoteAddr().String())
	c, r, err := a.secure(conn, bufio.NewReader(conn), logger)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Warn("api handshake failed", "error", err)
			reply(conn, "", err)
		}
		return
	}

	path, payload, err := readRequest(r)
	var problem *apitypes.ApiError
	switch {
	case errors.As(err, &problem):
		logger.Error("api bad request", "error", err)
		reply(c, "", err)
		return
	case errors.Is(err, io.EOF):
		logger.Error("api request not terminated")
		return
	case err != nil:
		logger.Error("read api request", "error", err)
		return
	}
	logger.Info("api cmd", "path", path)

	if h, params := a.router.Match(path); h != nil {
		res := &Response{}
		err := h(&Request{Ctx: ctx, Params: params, Payload: payload}, res, logger)
		if err != nil {
			logger.Error("api handler error", "path", path, "error", err)
		}
		reply(c, res.JSON, err)
		return
	}
	if sh, params := a.router.MatchStream(path); sh != nil {
		handedOff = true
		logger.Info("api stream begin", "path", path)
		if err := sh(&bufferedConn{Conn: c, r: r}, &Request{Ctx: ctx, Params: params, Payload: payload}, logger); err != nil {
			logger.Error("api stream handler error", "path", path, "error", err)
		}
		logger.Info("api stream end", "path", path)
		return
	}
	logger.Error("api unknown path", "path", path)
	reply(c, "", ErrNotFound("unknown path: "+path))
}

// bufferedConn hands stream handlers the bytes already read past the
// request terminator.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
