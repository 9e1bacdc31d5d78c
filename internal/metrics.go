package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	activeConns atomic.Int64
	messages    atomic.Uint64
	resets      atomic.Uint64
	uploads     atomic.Uint64
	rejected    atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncReset() {
	m.resets.Add(1)
}

func (m *Metrics) IncUpload() {
	m.uploads.Add(1)
}

// IncRejected counts frames answered with an error event.
func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) ActiveConns() int64 {
	return m.activeConns.Load()
}

func (m *Metrics) snapshot() map[string]any {
	return map[string]any{
		"active_connections": m.activeConns.Load(),
		"messages_total":     m.messages.Load(),
		"resets_total":       m.resets.Load(),
		"uploads_total":      m.uploads.Load(),
		"rejected_total":     m.rejected.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.snapshot())
}
