// Package status serves a read-only JSON view of the watcher's registry next
// to /metrics and /healthz.
package status

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/pkg/dispatcher"
)

// Registry is the part of the membership registry the handlers read.
type Registry interface {
	Snapshot(now time.Time) []discovery.MemberRecord
	Get(id string) (discovery.MemberRecord, time.Time, bool)
	Len() int
}

type Handlers struct {
	reg  Registry
	role string
	now  func() time.Time
}

func New(reg Registry, role string, now func() time.Time) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{reg: reg, role: role, now: now}
}

type member struct {
	ID         string    `json:"id"`
	URI        string    `json:"uri"`
	Weight     *int      `json:"weight,omitempty"`
	Instance   string    `json:"instance,omitempty"`
	TTLSeconds int64     `json:"ttl_seconds"`
	LastSeen   time.Time `json:"last_seen"`
	AgeSeconds float64   `json:"age_seconds"`
}

// Members writes the live members, ordered by id.
func (h *Handlers) Members(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	live := h.reg.Snapshot(now)
	out := make([]member, 0, len(live))
	for _, rec := range live {
		m := member{
			ID:         rec.ID,
			URI:        dispatcher.Entry{Address: rec.Address, Port: rec.Port}.URI(),
			Weight:     rec.Weight,
			Instance:   rec.Instance,
			TTLSeconds: rec.TTLSeconds,
		}
		if _, seen, ok := h.reg.Get(rec.ID); ok {
			m.LastSeen = seen
			m.AgeSeconds = now.Sub(seen).Seconds()
		}
		out = append(out, m)
	}
	writeJSON(w, out)
}

// Info writes the process id, the role, and member counts.
func (h *Handlers) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Role    string    `json:"role"`
		Now     time.Time `json:"now"`
		Live    int       `json:"live"`
		Tracked int       `json:"tracked"`
	}
	now := h.now()
	writeJSON(w, resp{PID: os.Getpid(), Role: h.role, Now: now, Live: len(h.reg.Snapshot(now)), Tracked: h.reg.Len()})
}

// Register adds /members and /info to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/members", h.Members)
	mux.HandleFunc("/info", h.Info)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
