// Package api is the dispatch layer sitting between
// the CLI and the container/network/image/volume/build services: it
// accepts pkg/rpc messages over a listener, routes each by its route tag
// to a registered Handler, and writes the handler's response back with the
// same reply handle.
package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/rpc"
)

// Handler processes one request message and returns the response to send
// back. A returned error is turned into an error-shaped response message;
// the connection is not torn down.
type Handler func(ctx context.Context, req *rpc.Message) (*rpc.Message, error)

// errorFieldKey is where a failed request's error message is put in the
// response, analogous to rpc's other well-known field keys.
const errorFieldKey = "error"

// Server dispatches incoming pkg/rpc messages to registered routes.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	connWG sync.WaitGroup
}

// NewServer creates an empty Server; register routes with Handle before
// calling Serve.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Handle registers h for route. Registering the same route twice replaces
// the previous handler.
func (s *Server) Handle(route string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[route] = h
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails, dispatching each to handleConn in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.WithComponent("api")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.connWG.Wait()
				return nil
			}
			return err
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer conn.Close()
			if err := s.handleConn(ctx, conn); err != nil {
				logger.Debug().Err(err).Msg("connection closed")
			}
		}()
	}
}

// handleConn reads request messages off conn until it closes or errors,
// dispatching each and writing its response before reading the next. The
// internal RPC protocol is strictly request/response per connection, so no
// pipelining/reordering logic is needed here (unlike pkg/dns's TCP
// handler, which must cope with a resolver pipelining several queries).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	for {
		req, err := rpc.ReadMessage(conn)
		if err != nil {
			return err
		}

		resp := s.dispatch(ctx, req)

		if err := rpc.WriteMessage(conn, resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *rpc.Message) *rpc.Message {
	s.mu.RLock()
	h, ok := s.handlers[req.Route]
	s.mu.RUnlock()

	start := time.Now()
	if !ok {
		metrics.APIRequestsTotal.WithLabelValues(req.Route, "error").Inc()
		return errorResponse(req, apierr.New(apierr.NotFound, "no handler registered for route %q", req.Route))
	}

	resp, err := h(ctx, req)
	metrics.APIRequestDuration.WithLabelValues(req.Route).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(req.Route, "error").Inc()
		return errorResponse(req, err)
	}

	metrics.APIRequestsTotal.WithLabelValues(req.Route, "ok").Inc()
	if resp == nil {
		resp = rpc.NewMessage(req.Route, req.ReplyTo)
	}
	resp.ReplyTo = req.ReplyTo
	return resp
}

func errorResponse(req *rpc.Message, err error) *rpc.Message {
	resp := rpc.NewMessage(req.Route, req.ReplyTo)
	resp.SetString(errorFieldKey, fmt.Sprintf("%s: %s", apierr.Of(err), err.Error()))
	return resp
}
