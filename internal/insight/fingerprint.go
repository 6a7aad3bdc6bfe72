package insight

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/fleetsentry/endpointmon/internal/crypto"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

// stableEvidenceKeys is the fixed, ordered allowlist of evidence keys that
// participate in an event's fingerprint identity; everything else
// (timestamps, counters) is volatile and excluded (§4.7 "Fingerprint").
var stableEvidenceKeys = []string{
	"process_name", "exe", "pid", "ip", "port", "username",
	"event_type", "listener", "metric", "classification", "change",
}

// fingerprint computes the deterministic identity hash for an event: a
// canonical payload of {source, title, stable_evidence}, hashed with
// SHA-256 (matching internal/crypto.Hash256's algorithm).
func fingerprint(source, title string, evidence map[string]any) string {
	payload := map[string]any{
		"source": strings.ToLower(source),
		"title":  collapseWhitespace(strings.ToLower(title)),
		"evidence": stableEvidence(evidence),
	}
	enc, err := wire.Canonical(payload)
	if err != nil {
		// Canonical only fails on unsupported types, which stableEvidence
		// never produces (primitives only); this path is unreachable in
		// practice, so fall back to a fingerprint of the raw title alone
		// rather than propagating an error from a pure helper.
		enc = []byte(title)
	}
	sum := crypto.Hash256(enc)
	return hex.EncodeToString(sum)
}

// stableEvidence extracts the allowlisted keys present in evidence. If
// none of the allowlisted keys appear, it falls back to every primitive
// value in evidence (sorted by key) so that fingerprinting still
// distinguishes otherwise-identical events.
func stableEvidence(evidence map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range stableEvidenceKeys {
		if v, ok := evidence[key]; ok {
			out[key] = v
		}
	}
	if len(out) > 0 {
		return out
	}

	keys := make([]string, 0, len(evidence))
	for k, v := range evidence {
		if isPrimitive(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = evidence[k]
	}
	return out
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return true
	default:
		return false
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// eventFingerprint is a convenience wrapper for §4.7's change-delta
// computation, which fingerprints whole wire.Events rather than
// synthesized insight evidence.
func eventFingerprint(ev wire.Event) string {
	return fingerprint(string(ev.Source), ev.Title, ev.Details)
}
