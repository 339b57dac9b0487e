// Package gateway hosts the WebSocket endpoint remote workers register on.
// It routes execute, merge and cat work units to capable workers and hands
// their messages back to the executor and merger clients.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is the wire envelope exchanged with workers.
type Message struct {
	// Type routes the message: register, execute, stop, merge, cat on
	// the way out; build.started, build.completed, merge.completed,
	// cat.result on the way in
	Type string `json:"type"`

	// ID correlates a work unit with its completion
	ID string `json:"id,omitempty"`

	// Name and Capabilities are set on register
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Payload carries work-unit parameters and results
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkerInfo describes a registered worker for the observation surface.
type WorkerInfo struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Running      []string `json:"running"`
}

type worker struct {
	name         string
	capabilities map[string]bool
	conn         *websocket.Conn
	send         chan Message

	// running tracks work-unit ids assigned to this worker
	running map[string]bool
}

// Gateway accepts worker connections and routes work units.
type Gateway struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	workers  map[string]*worker
	handlers map[string]func(Message)

	// pending holds response channels for synchronous requests
	pending map[string]chan Message

	// assignment maps work-unit id to worker name
	assignment map[string]string

	// next is a round-robin cursor per capability
	next map[string]int
}

// New returns an empty gateway.
func New(log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		log:        log.Named("gateway"),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		workers:    make(map[string]*worker),
		handlers:   make(map[string]func(Message)),
		pending:    make(map[string]chan Message),
		assignment: make(map[string]string),
		next:       make(map[string]int),
	}
}

// SetHandler registers the callback for an inbound message type. Handlers
// run on the worker's read goroutine and must only enqueue events.
func (g *Gateway) SetHandler(msgType string, fn func(Message)) {
	g.mu.Lock()
	g.handlers[msgType] = fn
	g.mu.Unlock()
}

// Handler returns the HTTP endpoint workers connect to.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warnw("worker upgrade failed", "error", err)
			return
		}
		go g.serveWorker(conn)
	})
}

func (g *Gateway) serveWorker(conn *websocket.Conn) {
	var reg Message
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != "register" || reg.Name == "" {
		g.log.Warnw("worker failed to register", "error", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	w := &worker{
		name:         reg.Name,
		capabilities: make(map[string]bool),
		conn:         conn,
		send:         make(chan Message, 64),
		running:      make(map[string]bool),
	}
	for _, c := range reg.Capabilities {
		w.capabilities[c] = true
	}

	g.mu.Lock()
	if old, ok := g.workers[w.name]; ok {
		old.conn.Close()
	}
	g.workers[w.name] = w
	g.mu.Unlock()
	g.log.Infow("worker registered", "name", w.name, "capabilities", reg.Capabilities)

	go w.writePump()
	g.readPump(w)
}

func (w *worker) writePump() {
	for msg := range w.send {
		if err := w.conn.WriteJSON(msg); err != nil {
			w.conn.Close()
			return
		}
	}
	w.conn.Close()
}

func (g *Gateway) readPump(w *worker) {
	defer g.dropWorker(w)
	for {
		var msg Message
		if err := w.conn.ReadJSON(&msg); err != nil {
			return
		}
		g.mu.Lock()
		if msg.ID != "" {
			if ch, ok := g.pending[msg.ID]; ok {
				delete(g.pending, msg.ID)
				g.mu.Unlock()
				ch <- msg
				continue
			}
			if msg.Type == "build.completed" || msg.Type == "merge.completed" {
				delete(w.running, msg.ID)
				delete(g.assignment, msg.ID)
			}
		}
		handler := g.handlers[msg.Type]
		g.mu.Unlock()
		if handler == nil {
			g.log.Warnw("unhandled worker message", "type", msg.Type, "worker", w.name)
			continue
		}
		handler(msg)
	}
}

// dropWorker removes a disconnected worker and reports its in-flight work
// as lost so the scheduler can retry it.
func (g *Gateway) dropWorker(w *worker) {
	g.mu.Lock()
	if g.workers[w.name] == w {
		delete(g.workers, w.name)
	}
	var lost []string
	for id := range w.running {
		lost = append(lost, id)
		delete(g.assignment, id)
	}
	lostHandler := g.handlers["worker.lost"]
	g.mu.Unlock()

	close(w.send)
	g.log.Warnw("worker disconnected", "name", w.name, "lost", len(lost))
	if lostHandler != nil {
		for _, id := range lost {
			lostHandler(Message{Type: "worker.lost", ID: id, Name: w.name})
		}
	}
}

// Submit routes a work unit to a worker advertising the capability and
// returns the chosen worker's name.
func (g *Gateway) Submit(capability string, msg Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.pick(capability)
	if w == nil {
		return "", fmt.Errorf("no worker with capability %q", capability)
	}
	if msg.ID != "" {
		w.running[msg.ID] = true
		g.assignment[msg.ID] = w.name
	}
	select {
	case w.send <- msg:
		return w.name, nil
	default:
		return "", fmt.Errorf("worker %s send queue full", w.name)
	}
}

// Request submits a work unit and waits for the correlated response.
func (g *Gateway) Request(capability string, msg Message, timeout time.Duration) (Message, error) {
	ch := make(chan Message, 1)
	g.mu.Lock()
	g.pending[msg.ID] = ch
	g.mu.Unlock()

	if _, err := g.Submit(capability, msg); err != nil {
		g.mu.Lock()
		delete(g.pending, msg.ID)
		g.mu.Unlock()
		return Message{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		g.mu.Lock()
		delete(g.pending, msg.ID)
		g.mu.Unlock()
		return Message{}, fmt.Errorf("request %s timed out", msg.ID)
	}
}

// Send delivers a message to the worker currently assigned the work unit.
func (g *Gateway) Send(id string, msg Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.assignment[id]
	if !ok {
		return fmt.Errorf("no worker assigned to %s", id)
	}
	w, ok := g.workers[name]
	if !ok {
		return fmt.Errorf("worker %s gone", name)
	}
	select {
	case w.send <- msg:
		return nil
	default:
		return fmt.Errorf("worker %s send queue full", name)
	}
}

// pick chooses the next capable worker round-robin. Caller holds g.mu.
func (g *Gateway) pick(capability string) *worker {
	var capable []*worker
	for _, name := range sortedWorkerNames(g.workers) {
		w := g.workers[name]
		if w.capabilities[capability] {
			capable = append(capable, w)
		}
	}
	if len(capable) == 0 {
		return nil
	}
	w := capable[g.next[capability]%len(capable)]
	g.next[capability]++
	return w
}

// Workers returns the roster for the observation surface.
func (g *Gateway) Workers() []WorkerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []WorkerInfo
	for _, name := range sortedWorkerNames(g.workers) {
		w := g.workers[name]
		info := WorkerInfo{Name: w.name}
		for c := range w.capabilities {
			info.Capabilities = append(info.Capabilities, c)
		}
		for id := range w.running {
			info.Running = append(info.Running, id)
		}
		out = append(out, info)
	}
	return out
}

func sortedWorkerNames(workers map[string]*worker) []string {
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
