package api

import (
	"context"
	"log/slog"
	"net"
	"strings"
)

// Request is one parsed API command.
type Request struct {
	Ctx context.Context
	// Params holds the values of {name} segments.
	Params  map[string]string
	Payload string
}

// Response carries the reply line; empty means a bare newline.
type Response struct {
	JSON string
}

// HandlerFunc answers a request with one line. logger carries the remote
// address.
type HandlerFunc func(req *Request, res *Response, logger *slog.Logger) error

// StreamHandlerFunc owns conn after the request line and closes it when
// the stream ends.
type StreamHandlerFunc func(conn net.Conn, req *Request, logger *slog.Logger) error

// Router matches slash separated paths; a segment written {name} matches
// anything and is captured. Matching is case insensitive.
type Router struct {
	routes  table[HandlerFunc]
	streams table[StreamHandlerFunc]
}

type table[H any] []entry[H]

type entry[H any] struct {
	pattern  string
	segments []string
	handler  H
}

func (t *table[H]) add(pattern string, h H) {
	*t = append(*t, entry[H]{
		pattern:  pattern,
		segments: strings.Split(pattern, "/"),
		handler:  h,
	})
}

func (t table[H]) lookup(path string) (H, map[string]string, bool) {
	segs := strings.Split(strings.ToLower(path), "/")
	for _, e := range t {
		if params, ok := e.match(segs); ok {
			return e.handler, params, true
		}
	}
	var zero H
	return zero, nil, false
}

func (e entry[H]) match(segs []string) (map[string]string, bool) {
	if len(segs) != len(e.segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, want := range e.segments {
		if name, ok := placeholder(want); ok {
			params[name] = segs[i]
		} else if !strings.EqualFold(want, segs[i]) {
			return nil, false
		}
	}
	return params, true
}

func placeholder(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

func NewRouter() *Router { return &Router{} }

// Register adds a request/reply route such as "device/{id}/send".
func (r *Router) Register(pattern string, handler HandlerFunc) { r.routes.add(pattern, handler) }

// RegisterStream adds a route whose handler keeps the connection.
func (r *Router) RegisterStream(pattern string, handler StreamHandlerFunc) {
	r.streams.add(pattern, handler)
}

// Match finds the request handler for path, or nil.
func (r *Router) Match(path string) (HandlerFunc, map[string]string) {
	h, params, _ := r.routes.lookup(path)
	return h, params
}

// MatchStream finds the stream handler for path, or nil.
func (r *Router) MatchStream(path string) (StreamHandlerFunc, map[string]string) {
	h, params, _ := r.streams.lookup(path)
	return h, params
}

// Paths lists registered patterns, request routes first.
func (r *Router) Paths() []string {
	out := make([]string, 0, len(r.routes)+len(r.streams))
	for _, e := range r.routes {
		out = append(out, e.pattern)
	}
	for _, e := range r.streams {
		out = append(out, e.pattern)
	}
	return out
}
