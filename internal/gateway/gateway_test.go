package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(zap.NewNop().Sugar())
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

// dialWorker connects and registers a worker, then waits until the gateway
// has it on the roster.
func dialWorker(t *testing.T, g *Gateway, srv *httptest.Server, name string, capabilities ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(Message{Type: "register", Name: name, Capabilities: capabilities}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, func() bool {
		for _, w := range g.Workers() {
			if w.Name == name {
				return true
			}
		}
		return false
	})
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitWithoutWorkers(t *testing.T) {
	g, _ := newTestGateway(t)
	if _, err := g.Submit("execute", Message{Type: "execute", ID: "b1"}); err == nil {
		t.Fatal("submit with no capable worker should fail")
	}
}

func TestSubmitRoutesByCapability(t *testing.T) {
	g, srv := newTestGateway(t)
	exec := dialWorker(t, g, srv, "w-exec", "execute")
	dialWorker(t, g, srv, "w-merge", "merge")

	name, err := g.Submit("execute", Message{
		Type:    "execute",
		ID:      "b1",
		Payload: json.RawMessage(`{"job_name":"lint"}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if name != "w-exec" {
		t.Fatalf("routed to %s, want w-exec", name)
	}

	var msg Message
	exec.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := exec.ReadJSON(&msg); err != nil {
		t.Fatalf("worker read: %v", err)
	}
	if msg.Type != "execute" || msg.ID != "b1" {
		t.Fatalf("worker got %+v", msg)
	}

	workers := g.Workers()
	for _, w := range workers {
		if w.Name == "w-exec" && len(w.Running) != 1 {
			t.Fatalf("w-exec running = %v, want one unit", w.Running)
		}
		if w.Name == "w-merge" && len(w.Running) != 0 {
			t.Fatalf("w-merge running = %v, want none", w.Running)
		}
	}
}

func TestCompletionReachesHandlerAndClearsAssignment(t *testing.T) {
	g, srv := newTestGateway(t)
	completed := make(chan Message, 1)
	g.SetHandler("build.completed", func(msg Message) { completed <- msg })
	conn := dialWorker(t, g, srv, "w1", "execute")

	if _, err := g.Submit("execute", Message{Type: "execute", ID: "b1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := conn.WriteJSON(Message{
		Type:    "build.completed",
		ID:      "b1",
		Payload: json.RawMessage(`{"result":"SUCCESS"}`),
	})
	if err != nil {
		t.Fatalf("write completion: %v", err)
	}

	select {
	case msg := <-completed:
		if msg.ID != "b1" {
			t.Fatalf("handler got id %s", msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion never dispatched")
	}

	waitFor(t, func() bool {
		return g.Send("b1", Message{Type: "stop", ID: "b1"}) != nil
	})
}

func TestRequestRoundTrip(t *testing.T) {
	g, srv := newTestGateway(t)
	conn := dialWorker(t, g, srv, "w1", "cat")

	go func() {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(Message{
			Type:    "cat.result",
			ID:      msg.ID,
			Payload: json.RawMessage(`{"files":{"a.yaml":"jobs: []"}}`),
		})
	}()

	resp, err := g.Request("cat", Message{Type: "cat", ID: "r1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.ID != "r1" || resp.Type != "cat.result" {
		t.Fatalf("got %+v", resp)
	}
}

func TestWorkerLossReportsInFlightUnits(t *testing.T) {
	g, srv := newTestGateway(t)
	lost := make(chan Message, 1)
	g.SetHandler("worker.lost", func(msg Message) { lost <- msg })
	conn := dialWorker(t, g, srv, "w1", "execute")

	if _, err := g.Submit("execute", Message{Type: "execute", ID: "b1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	conn.Close()

	select {
	case msg := <-lost:
		if msg.ID != "b1" || msg.Name != "w1" {
			t.Fatalf("lost %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lost unit never reported")
	}
	if len(g.Workers()) != 0 {
		t.Fatal("disconnected worker still on roster")
	}
}

func TestRegisterRequiresName(t *testing.T) {
	g, srv := newTestGateway(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(Message{Type: "register"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// the gateway closes the connection instead of registering
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatal("expected close on nameless register")
	}
	if len(g.Workers()) != 0 {
		t.Fatal("nameless worker registered")
	}
}
