package fanout

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelflow/reactor/internal/audit"
	"github.com/kestrelflow/reactor/pkg/metrics"
)

func marshalEntry(entry audit.Entry) ([]byte, error) {
	return json.Marshal(entry)
}

// SSEFilter selects which audit/trace entries a connection receives.
// Dimensions AND together; an empty dimension allows all (§4.11).
type SSEFilter struct {
	Categories     []string
	Types          []string
	RuleIDs        []string
	CorrelationIDs []string
}

func (f SSEFilter) empty() bool {
	return len(f.Categories) == 0 && len(f.Types) == 0 && len(f.RuleIDs) == 0 && len(f.CorrelationIDs) == 0
}

func (f SSEFilter) matches(e audit.Entry) bool {
	if len(f.Categories) > 0 && !containsStr(f.Categories, e.Category) {
		return false
	}
	if len(f.Types) > 0 && !containsStr(f.Types, e.Type) {
		return false
	}
	if len(f.RuleIDs) > 0 && !containsStr(f.RuleIDs, e.RuleID) {
		return false
	}
	if len(f.CorrelationIDs) > 0 && !containsStr(f.CorrelationIDs, e.CorrelationID) {
		return false
	}
	return true
}

func (f SSEFilter) describe() string {
	return fmt.Sprintf("categories=%v types=%v ruleIds=%v correlationIds=%v", f.Categories, f.Types, f.RuleIDs, f.CorrelationIDs)
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// sink is the write surface a connection streams frames to. http.ResponseWriter
// plus http.Flusher satisfies it.
type sink interface {
	io.Writer
	Flush()
}

type connection struct {
	id          string
	filter      SSEFilter
	connectedAt time.Time
	sink        sink
}

// SSEConfig configures the periodic heartbeat.
type SSEConfig struct {
	HeartbeatInterval time.Duration
	Metrics           *metrics.Metrics
}

// SSEFanout streams audit/trace entries to HTTP clients that have opened a
// persistent text/event-stream connection (§4.11). It only observes: it
// never calls back into the dispatcher.
type SSEFanout struct {
	mu          sync.Mutex
	connections map[string]*connection

	totalEntriesSent     uint64
	totalEntriesFiltered uint64

	heartbeatInterval time.Duration
	metrics           *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSSEFanout constructs an SSEFanout and starts its heartbeat loop.
func NewSSEFanout(cfg SSEConfig) *SSEFanout {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	f := &SSEFanout{
		connections:       make(map[string]*connection),
		heartbeatInterval: cfg.HeartbeatInterval,
		metrics:           cfg.Metrics,
		stopCh:            make(chan struct{}),
	}
	f.wg.Add(1)
	go f.heartbeatLoop()
	return f
}

// Connect registers w as a new streaming connection, writing the SSE
// preamble headers and connection/filter comments, and returns the
// connection id (removed via Remove, or pruned automatically on write
// failure).
func (f *SSEFanout) Connect(w http.ResponseWriter, filter SSEFilter) (string, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return "", fmt.Errorf("fanout: response writer does not support flushing")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id := uuid.NewString()
	conn := &connection{id: id, filter: filter, connectedAt: time.Now(), sink: flusher}

	if _, err := fmt.Fprintf(w, ": connected:%s\n\n", id); err != nil {
		return "", err
	}
	if !filter.empty() {
		if _, err := fmt.Fprintf(w, ": filter:%s\n\n", filter.describe()); err != nil {
			return "", err
		}
	}
	flusher.Flush()

	f.mu.Lock()
	f.connections[id] = conn
	f.mu.Unlock()
	f.setActiveGauge()

	return id, nil
}

// Remove drops a connection from the fanout; it does not close the
// underlying response. Idempotent.
func (f *SSEFanout) Remove(id string) {
	f.mu.Lock()
	delete(f.connections, id)
	f.mu.Unlock()
	f.setActiveGauge()
}

// ConnectionCount returns the number of currently open connections.
func (f *SSEFanout) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connections)
}

// Broadcast writes entry to every connection whose filter matches it,
// pruning any connection whose sink write fails.
func (f *SSEFanout) Broadcast(entry audit.Entry) {
	f.mu.Lock()
	conns := make([]*connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	var dead []string
	for _, c := range conns {
		if !c.filter.matches(entry) {
			f.mu.Lock()
			f.totalEntriesFiltered++
			f.mu.Unlock()
			continue
		}
		if err := writeEntry(c.sink, entry); err != nil {
			dead = append(dead, c.id)
			continue
		}
		f.mu.Lock()
		f.totalEntriesSent++
		f.mu.Unlock()
	}

	for _, id := range dead {
		f.Remove(id)
	}
}

func writeEntry(s sink, entry audit.Entry) error {
	body, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s, "data: %s\n\n", body); err != nil {
		return err
	}
	s.Flush()
	return nil
}

// Subscribe returns Broadcast as an audit.Subscriber, so the fanout
// re-broadcasts everything recorded by the audit log it is registered with.
func (f *SSEFanout) Subscribe() audit.Subscriber {
	return f.Broadcast
}

func (f *SSEFanout) heartbeatLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sendHeartbeats()
		case <-f.stopCh:
			return
		}
	}
}

func (f *SSEFanout) sendHeartbeats() {
	f.mu.Lock()
	conns := make([]*connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	var dead []string
	for _, c := range conns {
		if _, err := fmt.Fprint(c.sink, ": heartbeat\n\n"); err != nil {
			dead = append(dead, c.id)
			continue
		}
		c.sink.Flush()
	}
	for _, id := range dead {
		f.Remove(id)
	}
}

func (f *SSEFanout) setActiveGauge() {
	if f.metrics == nil {
		return
	}
	f.metrics.ActiveSSEConns.Set(float64(f.ConnectionCount()))
}

// Stop halts the heartbeat loop. Idempotent; does not close connections
// (callers typically stop accepting new writes and let the HTTP server
// close the underlying response).
func (f *SSEFanout) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()
}
