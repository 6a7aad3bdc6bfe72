// Package runtime implements the agent's per-cycle orchestration: batch
// splitting, the collect-send-retry cycle, and the daemon loop (§4.3,
// §4.5).
package runtime

import (
	"github.com/fleetsentry/endpointmon/internal/wire"
)

// batchShape is the minimal struct carrying the fields that affect a
// batch's canonical-encoded size, used to measure candidate batches before
// committing them. Identity fields are placeholders since only their
// presence (not their real values) affects body size materially; callers
// needing an exact send-time size recompute against the real
// wire.IngestRequest.
type batchShape struct {
	OrgID        string       `json:"org_id"`
	DeviceID     string       `json:"device_id"`
	AgentVersion string       `json:"agent_version"`
	SentAt       int64        `json:"sent_at"`
	Nonce        string       `json:"nonce"`
	Events       []wire.Event `json:"events"`
}

// SplitBatches greedily packs events into ordered batches bounded by both
// maxEvents and maxBytes of canonical-encoded size (§4.3). A single event
// that alone exceeds maxBytes is still emitted as its own batch; the
// splitter never drops an event.
func SplitBatches(events []wire.Event, maxEvents int, maxBytes int) [][]wire.Event {
	if len(events) == 0 {
		return nil
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	var batches [][]wire.Event
	var current []wire.Event

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
		}
	}

	for _, ev := range events {
		candidate := append(append([]wire.Event{}, current...), ev)
		if len(candidate) <= maxEvents && fitsWithinBytes(candidate, maxBytes) {
			current = candidate
			continue
		}

		// Doesn't fit onto the current batch: flush what we have and
		// start a new one with just this event. If even a lone event
		// doesn't fit the byte bound, it's still emitted alone (the
		// splitter never drops; the server enforces the hard ceiling).
		flush()
		current = []wire.Event{ev}
	}
	flush()

	return batches
}

func fitsWithinBytes(events []wire.Event, maxBytes int) bool {
	if maxBytes <= 0 {
		return true
	}
	shape := batchShape{Events: events}
	enc, err := wire.Canonical(shape)
	if err != nil {
		// Unencodable content can't be measured; let it through so the
		// caller's send attempt surfaces the real error rather than the
		// splitter silently stalling.
		return true
	}
	return len(enc) <= maxBytes
}
