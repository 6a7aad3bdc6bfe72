package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testBody struct {
	OrgID  string `json:"org_id"`
	Nonce  string `json:"nonce"`
	SentAt int64  `json:"sent_at"`
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	key := []byte("super-secret-org-key")
	now := time.Unix(1_700_000_000, 0).UTC()
	body := testBody{OrgID: "org-1", Nonce: "n0123456789012345678901234567890", SentAt: now.Unix()}

	h, err := Sign(key, "org-1", "device-1", body.Nonce, now, body)
	require.NoError(t, err)
	require.False(t, h.AnyEmpty())

	ok, err := Verify(key, h, body)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	body := testBody{OrgID: "org-1", Nonce: "n0123456789012345678901234567890", SentAt: now.Unix()}

	h, err := Sign([]byte("key-a"), "org-1", "device-1", body.Nonce, now, body)
	require.NoError(t, err)

	ok, err := Verify([]byte("key-b"), h, body)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsMutatedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	key := []byte("k")
	body := testBody{OrgID: "org-1", Nonce: "n0123456789012345678901234567890", SentAt: now.Unix()}

	h, err := Sign(key, "org-1", "device-1", body.Nonce, now, body)
	require.NoError(t, err)

	body.OrgID = "org-2"
	ok, err := Verify(key, h, body)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAnyEmptyDetectsMissingHeader(t *testing.T) {
	h := Headers{Org: "o", Device: "d", Timestamp: "1", Nonce: "n"}
	require.True(t, h.AnyEmpty())
	h.Signature = "sig"
	require.False(t, h.AnyEmpty())
}

func TestWithinSkew(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	require.True(t, WithinSkew(base, base.Add(299*time.Second), 300*time.Second))
	require.True(t, WithinSkew(base.Add(299*time.Second), base, 300*time.Second))
	require.False(t, WithinSkew(base, base.Add(301*time.Second), 300*time.Second))
}

func TestParseTimestampRejectsNonNumeric(t *testing.T) {
	_, err := ParseTimestamp("not-a-number")
	require.Error(t, err)
}

func TestVerifyRequestSucceeds(t *testing.T) {
	key := []byte("org-key")
	now := time.Unix(1_700_000_000, 0).UTC()
	body := testBody{OrgID: "org-1", Nonce: "n0123456789012345678901234567890", SentAt: now.Unix()}

	h, err := Sign(key, "org-1", "device-1", body.Nonce, now, body)
	require.NoError(t, err)

	svcErr := VerifyRequest(key, h, body, now, 300*time.Second)
	require.Nil(t, svcErr)
}

func TestVerifyRequestRejectsMissingHeader(t *testing.T) {
	h := Headers{Org: "o", Device: "d", Timestamp: "1700000000", Nonce: "n0123456789012345678901234567890"}
	svcErr := VerifyRequest([]byte("k"), h, testBody{}, time.Unix(1700000000, 0), 300*time.Second)
	require.NotNil(t, svcErr)
	require.Equal(t, "INGEST_8001", string(svcErr.Code))
}

func TestVerifyRequestRejectsBadTimestamp(t *testing.T) {
	h := Headers{Org: "o", Device: "d", Timestamp: "garbage", Nonce: "n0123456789012345678901234567890", Signature: "ab"}
	svcErr := VerifyRequest([]byte("k"), h, testBody{}, time.Unix(1700000000, 0), 300*time.Second)
	require.NotNil(t, svcErr)
	require.Equal(t, "INGEST_8002", string(svcErr.Code))
}

func TestVerifyRequestRejectsExpired(t *testing.T) {
	now := time.Unix(1_700_001_000, 0).UTC()
	headerTS := now.Add(-10 * time.Minute)
	h := Headers{
		Org: "o", Device: "d",
		Timestamp: "1699999400",
		Nonce:     "n0123456789012345678901234567890",
		Signature: "ab",
	}
	svcErr := VerifyRequest([]byte("k"), h, testBody{}, now, 300*time.Second)
	require.NotNil(t, svcErr)
	require.Equal(t, "INGEST_8003", string(svcErr.Code))
	_ = headerTS
}

func TestVerifyRequestRejectsBadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	body := testBody{OrgID: "org-1", Nonce: "n0123456789012345678901234567890", SentAt: now.Unix()}
	h, err := Sign([]byte("key-a"), "org-1", "device-1", body.Nonce, now, body)
	require.NoError(t, err)

	svcErr := VerifyRequest([]byte("key-b"), h, body, now, 300*time.Second)
	require.NotNil(t, svcErr)
	require.Equal(t, "INGEST_8004", string(svcErr.Code))
}
