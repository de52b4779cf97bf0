package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/rpc"
)

func startTestServer(t *testing.T, s *Server) (net.Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		cancel()
	}
}

func TestDispatchRoutesToHandler(t *testing.T) {
	s := NewServer()
	s.Handle("container.create", func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, _ := req.GetString(rpc.KeyID)
		return rpc.NewMessage(req.Route, req.ReplyTo).SetString(rpc.KeyID, "created-"+id), nil
	})

	conn, cleanup := startTestServer(t, s)
	defer cleanup()

	req := rpc.NewMessage("container.create", 7).SetString(rpc.KeyID, "c1")
	if err := rpc.WriteMessage(conn, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := rpc.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if resp.ReplyTo != 7 {
		t.Fatalf("ReplyTo = %d, want 7", resp.ReplyTo)
	}
	id, ok := resp.GetString(rpc.KeyID)
	if !ok || id != "created-c1" {
		t.Fatalf("GetString(id) = %q, %v, want created-c1", id, ok)
	}
}

func TestDispatchUnknownRouteReturnsNotFoundError(t *testing.T) {
	s := NewServer()
	conn, cleanup := startTestServer(t, s)
	defer cleanup()

	req := rpc.NewMessage("does.not.exist", 1)
	if err := rpc.WriteMessage(conn, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := rpc.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	errMsg, ok := resp.GetString(errorFieldKey)
	if !ok {
		t.Fatal("expected an error field in response")
	}
	if want := string(apierr.NotFound); !containsString(errMsg, want) {
		t.Fatalf("error message %q does not mention kind %q", errMsg, want)
	}
}

func TestDispatchHandlerErrorIsSurfacedNotDropped(t *testing.T) {
	s := NewServer()
	s.Handle("fail.always", func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		return nil, apierr.New(apierr.InvalidArgument, "bad input")
	})

	conn, cleanup := startTestServer(t, s)
	defer cleanup()

	if err := rpc.WriteMessage(conn, rpc.NewMessage("fail.always", 3)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := rpc.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if _, ok := resp.GetString(errorFieldKey); !ok {
		t.Fatal("expected error field in response for failed handler")
	}

	// the connection must still be usable for a subsequent request
	if err := rpc.WriteMessage(conn, rpc.NewMessage("fail.always", 4)); err != nil {
		t.Fatalf("second WriteMessage: %v", err)
	}
	resp2, err := rpc.ReadMessage(conn)
	if err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
	if resp2.ReplyTo != 4 {
		t.Fatalf("second ReplyTo = %d, want 4", resp2.ReplyTo)
	}
}

func containsString(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
