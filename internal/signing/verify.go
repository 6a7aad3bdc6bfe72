package signing

import (
	"time"

	ingesterrors "github.com/fleetsentry/endpointmon/infrastructure/errors"
)

// VerifyRequest runs the full header-level verification sequence for an
// incoming request: presence, signature, and "now vs header timestamp"
// freshness (§4.6 steps 1, 6, 7). It does NOT run org lookup, rate
// limiting, schema validation, header/body agreement, send-time skew, or
// the replay check — those need the store, the parsed body, and the rate
// limiter, which live above this package in the ingest pipeline.
//
// apiKey is the org's configured signing key. now is the server's clock,
// passed explicitly so tests are deterministic. replayWindow bounds
// acceptable clock skew between the server and the header timestamp.
func VerifyRequest(apiKey []byte, h Headers, body any, now time.Time, replayWindow time.Duration) *ingesterrors.ServiceError {
	if h.AnyEmpty() {
		return ingesterrors.MissingHeader(firstEmptyHeader(h))
	}

	headerTS, err := ParseTimestamp(h.Timestamp)
	if err != nil {
		return ingesterrors.BadTimestamp(err.Error())
	}

	if !WithinSkew(now, headerTS, replayWindow) {
		return ingesterrors.ExpiredRequest(now.Sub(headerTS).Seconds())
	}

	ok, err := Verify(apiKey, h, body)
	if err != nil {
		return ingesterrors.BadSignature()
	}
	if !ok {
		return ingesterrors.BadSignature()
	}

	return nil
}

func firstEmptyHeader(h Headers) string {
	switch {
	case h.Org == "":
		return HeaderOrg
	case h.Device == "":
		return HeaderDevice
	case h.Timestamp == "":
		return HeaderTimestamp
	case h.Nonce == "":
		return HeaderNonce
	default:
		return HeaderSignature
	}
}
