package runtime

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetsentry/endpointmon/infrastructure/resilience"
	"github.com/fleetsentry/endpointmon/internal/crypto"
	"github.com/fleetsentry/endpointmon/internal/signing"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

// maxBuildableBytes is the local build-failure ceiling (§4.5/§7): a batch
// whose signed request would exceed this is a poison pill, never retried.
const maxBuildableBytes = 256 * 1024

// Identity is the agent's signing identity, loaded from config.
type Identity struct {
	ServerURL    string
	OrgID        string
	DeviceID     string
	APIKey       []byte
	AgentVersion string
}

// SendOutcome classifies what happened to one spooled batch so the caller
// can decide MarkSent vs MarkFailed (§4.5).
type SendOutcome int

const (
	OutcomeSent SendOutcome = iota
	OutcomeTransportFailed
	OutcomeServerRejected
	OutcomeLocalBuildFailed
)

// Sender builds signed requests and POSTs them to the server.
type Sender struct {
	Identity Identity
	Client   *http.Client

	// breaker trips after a run of transport failures so a batch isn't
	// held for the full client timeout on every cycle while the server
	// is unreachable; a dequeued batch just falls back to
	// OutcomeTransportFailed and stays spooled for the next cycle.
	breaker *resilience.CircuitBreaker
}

func NewSender(identity Identity, timeout time.Duration) *Sender {
	return &Sender{
		Identity: identity,
		Client:   &http.Client{Timeout: timeout},
		breaker: resilience.New(resilience.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
	}
}

// Send builds a signed IngestRequest from events, POSTs it, and returns the
// outcome plus the parsed response on success.
func (s *Sender) Send(ctx context.Context, events []wire.Event) (SendOutcome, *wire.IngestResponse, error) {
	nonce, err := randomNonce()
	if err != nil {
		return OutcomeLocalBuildFailed, nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now()
	req := wire.IngestRequest{
		OrgID:        s.Identity.OrgID,
		DeviceID:     s.Identity.DeviceID,
		AgentVersion: s.Identity.AgentVersion,
		SentAt:       now.Unix(),
		Nonce:        nonce,
		Events:       events,
	}

	canon, err := wire.Canonical(req)
	if err != nil {
		return OutcomeLocalBuildFailed, nil, fmt.Errorf("canonicalize request: %w", err)
	}
	if len(canon) > maxBuildableBytes {
		return OutcomeLocalBuildFailed, nil, fmt.Errorf("request body %d bytes exceeds local cap %d", len(canon), maxBuildableBytes)
	}

	headers, err := signing.Sign(s.Identity.APIKey, s.Identity.OrgID, s.Identity.DeviceID, nonce, now, req)
	if err != nil {
		return OutcomeLocalBuildFailed, nil, fmt.Errorf("sign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Identity.ServerURL+"/ingest", bytes.NewReader(canon))
	if err != nil {
		return OutcomeLocalBuildFailed, nil, fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	headers.Set(httpReq.Header.Set)

	var resp *http.Response
	err = s.breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = s.Client.Do(httpReq)
		return doErr
	})
	if err != nil {
		return OutcomeTransportFailed, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return OutcomeServerRejected, nil, fmt.Errorf("server rejected batch: status %d, body %s", resp.StatusCode, string(body))
	}

	var ingestResp wire.IngestResponse
	if err := json.Unmarshal(body, &ingestResp); err != nil {
		return OutcomeServerRejected, nil, fmt.Errorf("parse response: %w", err)
	}
	return OutcomeSent, &ingestResp, nil
}

func randomNonce() (string, error) {
	b, err := crypto.GenerateRandomBytes(24)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
