// Package ingest implements the server's POST /ingest pipeline (§4.6): a
// strictly-ordered sequence of rejectable stages ending in an atomic
// nonce-check-then-persist step and a recompute-task enqueue.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fleetsentry/endpointmon/infrastructure/cache"
	ingesterrors "github.com/fleetsentry/endpointmon/infrastructure/errors"
	"github.com/fleetsentry/endpointmon/infrastructure/httputil"
	"github.com/fleetsentry/endpointmon/infrastructure/logging"
	"github.com/fleetsentry/endpointmon/infrastructure/metrics"
	"github.com/fleetsentry/endpointmon/infrastructure/security"
	"github.com/fleetsentry/endpointmon/internal/server/queue"
	"github.com/fleetsentry/endpointmon/internal/server/ratelimit"
	"github.com/fleetsentry/endpointmon/internal/server/store"
	"github.com/fleetsentry/endpointmon/internal/signing"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

// orgCacheTTL bounds how long a deactivated or rotated org can keep being
// accepted off the cache; short enough that an operator disabling an org
// takes effect well within one polling interval of any dashboard.
const orgCacheTTL = 30 * time.Second

// Pipeline holds the dependencies for the ingest pipeline's 13 steps.
type Pipeline struct {
	Store        *store.Store
	RateLimit    *ratelimit.Limiter
	Queue        *queue.Queue
	Log          *logging.Logger
	ReplayWindow time.Duration
	MaxBodyBytes int
	MaxEvents    int
	Clock        func() time.Time

	// Resolver supplies the live signing key for an org id, looked up
	// out-of-band (e.g. a secrets manager or the org seed file). Pipeline
	// never persists or logs the raw key.
	Resolver APIKeyResolver

	// Metrics is optional; nil disables instrumentation (e.g. in tests).
	Metrics *metrics.Metrics

	// orgCache holds recently looked-up orgs so a fleet hammering the
	// ingest endpoint doesn't round-trip the database on every batch just
	// to re-check whether an org is active.
	orgCache *cache.TTLCache

	// replayFastPath is an in-process nonce cache sitting in front of the
	// database's atomic replay-check-then-persist. The database remains
	// the authority; a miss here always still goes to the database, so a
	// restart or a second server instance can never let a replay through.
	replayFastPath *security.ReplayProtection
}

// New builds a Pipeline with the spec's default clock (time.Now).
func New(st *store.Store, rl *ratelimit.Limiter, q *queue.Queue, log *logging.Logger, resolver APIKeyResolver, replayWindow time.Duration, maxBodyBytes, maxEvents int) *Pipeline {
	return &Pipeline{
		Store:          st,
		RateLimit:      rl,
		Queue:          q,
		Log:            log,
		Resolver:       resolver,
		ReplayWindow:   replayWindow,
		MaxBodyBytes:   maxBodyBytes,
		MaxEvents:      maxEvents,
		Clock:          time.Now,
		orgCache:       cache.NewTTLCache(orgCacheTTL),
		replayFastPath: security.NewReplayProtection(replayWindow, log),
	}
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// ServeHTTP implements the full 13-step pipeline for POST /ingest.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := p.now()
	start := time.Now()
	orgForMetrics := "unknown"
	reject := func(svcErr *ingesterrors.ServiceError) {
		p.recordMetric(orgForMetrics, "rejected", time.Since(start))
		p.reject(w, r, svcErr)
	}

	// Step 1: header presence.
	headers := signing.Headers{
		Org:       r.Header.Get(signing.HeaderOrg),
		Device:    r.Header.Get(signing.HeaderDevice),
		Timestamp: r.Header.Get(signing.HeaderTimestamp),
		Nonce:     r.Header.Get(signing.HeaderNonce),
		Signature: r.Header.Get(signing.HeaderSignature),
	}
	if headers.AnyEmpty() {
		reject(ingesterrors.MissingHeader(firstEmptyHeaderName(headers)))
		return
	}
	orgForMetrics = headers.Org

	// Step 2: org lookup, through a short-TTL cache to spare the database a
	// round trip on every batch from an active fleet.
	org, err := p.lookupOrg(r.Context(), headers.Org)
	if err != nil {
		if errors.Is(err, store.ErrOrgNotFound) {
			reject(ingesterrors.OrgUnknown())
			return
		}
		reject(ingesterrors.DatabaseError("get_org", err))
		return
	}
	if !org.Active {
		reject(ingesterrors.OrgUnknown())
		return
	}

	// Step 3: rate limit.
	allowed, err := p.RateLimit.Allow(r.Context(), org.ID, org.RateLimitPerMinute)
	if err != nil {
		reject(ingesterrors.Internal("rate limit check failed", err))
		return
	}
	if !allowed {
		reject(ingesterrors.RateLimitExceeded(org.RateLimitPerMinute, "1m"))
		return
	}

	// Step 4: body bounds.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(p.MaxBodyBytes)+1))
	if err != nil {
		reject(ingesterrors.Internal("read request body", err))
		return
	}
	if len(body) == 0 || len(body) > p.MaxBodyBytes {
		reject(ingesterrors.PayloadTooLarge(len(body), p.MaxBodyBytes))
		return
	}

	// Step 5: org-key integrity. The server never stores the raw signing
	// key; the caller must resolve it out-of-band (e.g. from a secrets
	// store keyed by org id) and the hash is checked here as a guard
	// against configuration drift between the two.
	apiKey, ok := p.resolveAPIKey(org.ID)
	if !ok || hashAPIKey(apiKey) != org.APIKeyHash {
		reject(ingesterrors.BadSignature())
		return
	}

	// Steps 6-7: signature + timestamp window, rebuilt from the parsed
	// body per §4.1 so agent/server JSON-library differences don't
	// break verification.
	var parsed wire.IngestRequest
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
		reject(ingesterrors.SchemaInvalid("malformed json: "+jsonErr.Error()))
		return
	}

	if svcErr := signing.VerifyRequest(apiKey, headers, parsed, now, p.ReplayWindow); svcErr != nil {
		reject(svcErr)
		return
	}

	// Step 8: schema validation.
	if err := parsed.Validate(p.MaxEvents); err != nil {
		reject(ingesterrors.SchemaInvalid(err.Error()))
		return
	}

	// Step 9: header/body agreement.
	if parsed.OrgID != headers.Org {
		reject(ingesterrors.FieldMismatch("org_id"))
		return
	}
	if parsed.DeviceID != headers.Device {
		reject(ingesterrors.FieldMismatch("device_id"))
		return
	}
	if parsed.Nonce != headers.Nonce {
		reject(ingesterrors.FieldMismatch("nonce"))
		return
	}

	// Step 10: send-time skew.
	headerTS, _ := signing.ParseTimestamp(headers.Timestamp)
	sentAt := time.Unix(parsed.SentAt, 0).UTC()
	if !signing.WithinSkew(headerTS, sentAt, p.ReplayWindow) {
		reject(ingesterrors.ExpiredRequest(headerTS.Sub(sentAt).Seconds()))
		return
	}

	// Steps 11-12: replay check + persist, atomic. A fast-path in-process
	// cache short-circuits the obvious case of the same batch retried
	// within this process's uptime; the database call below remains the
	// only authority, so a miss here (including after a restart, or a
	// replay first observed by a different server instance) still goes
	// through the real check.
	replayKey := parsed.OrgID + "/" + parsed.DeviceID + "/" + parsed.Nonce
	if p.replayFastPath != nil && p.replayFastPath.IsReplay(replayKey) {
		reject(ingesterrors.Replay())
		return
	}

	accepted, err := p.Store.PersistIngest(r.Context(), parsed.OrgID, parsed.DeviceID,
		string(parsed.Events[0].Platform), parsed.AgentVersion, parsed.Nonce, now, p.ReplayWindow, parsed.Events)
	if err != nil {
		if errors.Is(err, store.ErrReplay) {
			if p.replayFastPath != nil {
				p.replayFastPath.ValidateAndMark(replayKey)
			}
			reject(ingesterrors.Replay())
			return
		}
		reject(ingesterrors.DatabaseError("persist_ingest", err))
		return
	}
	if p.replayFastPath != nil {
		p.replayFastPath.ValidateAndMark(replayKey)
	}

	// Step 13: enqueue recompute, best-effort (a dropped task only delays
	// the next scheduled sweep; it never fails the client's request).
	if err := p.Queue.Enqueue(r.Context(), queue.Task{OrgID: parsed.OrgID, DeviceID: parsed.DeviceID}); err != nil {
		p.Log.WithContext(r.Context()).WithFields(map[string]interface{}{
			"org_id": parsed.OrgID, "device_id": parsed.DeviceID, "error": err.Error(),
		}).Warn("failed to enqueue recompute task")
	}

	p.recordMetric(orgForMetrics, "accepted", time.Since(start))
	httputil.WriteJSON(w, http.StatusOK, wire.NewIngestResponse(accepted, 0, now))
}

// lookupOrg serves store.Org lookups from p.orgCache when present, falling
// back to the store on a miss and caching the result either way (including
// ErrOrgNotFound, via a nil cached value, so a misconfigured agent hammering
// an unknown org id doesn't repeatedly hit the database either).
func (p *Pipeline) lookupOrg(ctx context.Context, orgID string) (*store.Org, error) {
	if p.orgCache == nil {
		return p.Store.GetOrg(ctx, orgID)
	}

	if cached, ok := p.orgCache.Get(ctx, orgID); ok {
		if cached == nil {
			return nil, store.ErrOrgNotFound
		}
		return cached.(*store.Org), nil
	}

	org, err := p.Store.GetOrg(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrOrgNotFound) {
			p.orgCache.Set(ctx, orgID, nil)
		}
		return nil, err
	}
	p.orgCache.Set(ctx, orgID, org)
	return org, nil
}

func (p *Pipeline) recordMetric(orgID, status string, d time.Duration) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RecordIngestBatch("ingest", orgID, status, d)
}

// APIKeyResolver resolves the live signing key for an org id.
type APIKeyResolver func(orgID string) ([]byte, bool)

func (p *Pipeline) resolveAPIKey(orgID string) ([]byte, bool) {
	if p.Resolver == nil {
		return nil, false
	}
	return p.Resolver(orgID)
}

func hashAPIKey(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func firstEmptyHeaderName(h signing.Headers) string {
	switch {
	case h.Org == "":
		return signing.HeaderOrg
	case h.Device == "":
		return signing.HeaderDevice
	case h.Timestamp == "":
		return signing.HeaderTimestamp
	case h.Nonce == "":
		return signing.HeaderNonce
	case h.Signature == "":
		return signing.HeaderSignature
	default:
		return ""
	}
}

// reject writes the structured error response and logs the rejection
// reason at WARN, matching §7's "typed rejection reasons" design.
func (p *Pipeline) reject(w http.ResponseWriter, r *http.Request, svcErr *ingesterrors.ServiceError) {
	if p.Log != nil {
		fields := map[string]interface{}{"code": string(svcErr.Code)}
		for k, v := range security.SanitizeMap(svcErr.Details) {
			fields["detail_"+k] = v
		}
		p.Log.WithContext(r.Context()).WithFields(fields).Warn("ingest rejected: " + svcErr.Message)
	}
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}
