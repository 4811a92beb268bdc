package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPrefix is the key namespace members are registered under.
const DefaultPrefix = "/ha/members"

// MemberRecord is what an announcing node stores under its leased key.
type MemberRecord struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Weight       *int      `json:"weight,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	RenewedAt    time.Time `json:"renewedAt"`
	TTLSeconds   int64     `json:"ttlSeconds"`
	Instance     string    `json:"instance,omitempty"`

	// ModRevision is the store revision of the last write to the key. Not serialized.
	ModRevision int64 `json:"-"`
}

// MemberID builds the canonical id for an address and port, e.g. 10.0.0.5:5060.
func MemberID(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// TTL returns the declared time-to-live.
func (r MemberRecord) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// SameRoute reports whether two records would produce the same routing entry.
func (r MemberRecord) SameRoute(o MemberRecord) bool {
	if r.Address != o.Address || r.Port != o.Port {
		return false
	}
	switch {
	case r.Weight == nil && o.Weight == nil:
		return true
	case r.Weight == nil || o.Weight == nil:
		return false
	default:
		return *r.Weight == *o.Weight
	}
}

// Key returns the store key for id under prefix.
func Key(prefix, id string) string {
	return strings.TrimRight(prefix, "/") + "/" + id
}

// IDFromKey strips prefix from key. ok is false when key is not directly under prefix.
func IDFromKey(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, strings.TrimRight(prefix, "/")+"/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Encode serializes a record for storage.
func Encode(r MemberRecord) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a stored record.
func Decode(data []byte) (MemberRecord, error) {
	var r MemberRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return MemberRecord{}, fmt.Errorf("decode member record: %w", err)
	}
	if r.ID == "" {
		return MemberRecord{}, fmt.Errorf("decode member record: empty id")
	}
	return r, nil
}

// EventKind classifies a change observed on the member prefix.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is a single change on the member prefix. For Deleted events only
// Record.ID and Record.ModRevision are guaranteed to be set.
type ChangeEvent struct {
	Kind   EventKind
	Record MemberRecord
}

// WatchResponse is one batch delivered by a watch stream. A non-nil Err ends the stream.
type WatchResponse struct {
	Events []ChangeEvent
	Err    error
}

// Snapshot is the result of listing the prefix.
type Snapshot struct {
	Records  []MemberRecord
	Revision int64
}
