// Package signing implements the five-header HMAC request-signing protocol
// (§4.1) shared by the agent's outbound sender and the server's ingest
// pipeline.
package signing

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetsentry/endpointmon/internal/crypto"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

const (
	HeaderOrg       = "X-EM-Org"
	HeaderDevice    = "X-EM-Device"
	HeaderTimestamp = "X-EM-Timestamp"
	HeaderNonce     = "X-EM-Nonce"
	HeaderSignature = "X-EM-Signature"
)

// Headers holds the parsed values of the five signing headers, independent
// of the net/http.Header representation so tests and the agent's client
// don't need to build http.Header just to exercise the protocol.
type Headers struct {
	Org       string
	Device    string
	Timestamp string
	Nonce     string
	Signature string
}

// Get extracts Headers from an http.Header-like lookup function.
func Get(lookup func(string) string) Headers {
	return Headers{
		Org:       lookup(HeaderOrg),
		Device:    lookup(HeaderDevice),
		Timestamp: lookup(HeaderTimestamp),
		Nonce:     lookup(HeaderNonce),
		Signature: lookup(HeaderSignature),
	}
}

// Set writes h onto a setter function (e.g. http.Header.Set).
func (h Headers) Set(set func(key, value string)) {
	set(HeaderOrg, h.Org)
	set(HeaderDevice, h.Device)
	set(HeaderTimestamp, h.Timestamp)
	set(HeaderNonce, h.Nonce)
	set(HeaderSignature, h.Signature)
}

// AnyEmpty reports whether any of the five header values is empty (§4.6
// step 1).
func (h Headers) AnyEmpty() bool {
	return h.Org == "" || h.Device == "" || h.Timestamp == "" || h.Nonce == "" || h.Signature == ""
}

// Sign computes the lower-hex HMAC-SHA256 signature of the canonical
// encoding of body under apiKey, and returns the complete header set for a
// request identified by org/device/nonce at timestamp ts.
func Sign(apiKey []byte, org, device, nonce string, ts time.Time, body any) (Headers, error) {
	canon, err := wire.Canonical(body)
	if err != nil {
		return Headers{}, fmt.Errorf("canonicalize body: %w", err)
	}
	sig := crypto.HMACSign(apiKey, canon)
	return Headers{
		Org:       org,
		Device:    device,
		Timestamp: strconv.FormatInt(ts.Unix(), 10),
		Nonce:     nonce,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// ParseTimestamp parses the X-EM-Timestamp header as Unix seconds.
func ParseTimestamp(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", raw, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// Verify recomputes the HMAC over the canonical encoding of body under
// apiKey and compares it, in constant time, against the lower-hex signature
// in h. It does not check timestamp freshness or replay; callers run those
// checks separately (§4.6 steps 7 and 10) since they require a clock and a
// nonce store this package has no business owning.
func Verify(apiKey []byte, h Headers, body any) (bool, error) {
	canon, err := wire.Canonical(body)
	if err != nil {
		return false, fmt.Errorf("canonicalize body: %w", err)
	}
	sigBytes, err := hex.DecodeString(h.Signature)
	if err != nil {
		return false, nil
	}
	return crypto.HMACVerify(apiKey, canon, sigBytes), nil
}

// WithinSkew reports whether the absolute difference between a and b is at
// most maxSkew. Used both for "now vs header timestamp" (step 7) and
// "header timestamp vs body.sent_at" (step 10).
func WithinSkew(a, b time.Time, maxSkew time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= maxSkew
}
