package diagnostics

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Unavailable is recorded for a probe that failed, panicked or timed out.
const Unavailable = "unavailable"

// Snapshot is a point-in-time set of probe results. It cannot be modified
// after Collect returns it; accessors hand out copies.
type Snapshot struct {
	takenAt time.Time
	values  map[string]string
}

// NewSnapshot builds a snapshot from values, copying the map.
func NewSnapshot(takenAt time.Time, values map[string]string) Snapshot {
	return Snapshot{takenAt: takenAt.UTC(), values: maps.Clone(values)}
}

func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// Values returns a copy of all probe results.
func (s Snapshot) Values() map[string]string {
	if s.values == nil {
		return map[string]string{}
	}
	return maps.Clone(s.values)
}

// Get returns the result of one probe.
func (s Snapshot) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Names returns the probe names in sorted order.
func (s Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// Len is the number of probes recorded.
func (s Snapshot) Len() int { return len(s.values) }

// Degraded lists the probes that came back unavailable.
func (s Snapshot) Degraded() []string {
	var out []string
	for _, name := range s.Names() {
		if s.values[name] == Unavailable {
			out = append(out, name)
		}
	}
	return out
}

type snapshotJSON struct {
	TakenAt time.Time         `json:"taken_at"`
	Values  map[string]string `json:"values"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{TakenAt: s.takenAt, Values: s.Values()})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSnapshot(raw.TakenAt, raw.Values)
	return nil
}
