package recompute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

func newTestService() (*Service, *FakeStore) {
	store := NewFakeStore()
	return NewService(storage.NopRunner{}, store), store
}

func TestRecomputeDerivesInsuranceAndTrades(t *testing.T) {
	svc, store := newTestService()
	future := time.Now().Add(180 * 24 * time.Hour)

	store.Tiers["u1"] = core.TierTrusted
	store.Records["u1"] = []VerificationRecord{
		{ID: "v1", UserID: "u1", RecordType: "insurance", Valid: true, ExpiresAt: future},
		{ID: "v2", UserID: "u1", RecordType: "license", Trade: "electrician", LicenseNumber: "E-100", Valid: true, ExpiresAt: future},
		{ID: "v3", UserID: "u1", RecordType: "license", Trade: "plumber", LicenseNumber: "P-200", Valid: true},
	}

	profile, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, core.TierTrusted, profile.TrustTier)
	assert.True(t, profile.InsuranceValid)
	assert.Equal(t, future, profile.InsuranceExpiresAt)

	trades := store.Trades["u1"]
	require.Len(t, trades, 2)
	byTrade := map[string]VerifiedTrade{}
	for _, tr := range trades {
		byTrade[tr.Trade] = tr
	}
	assert.Equal(t, "E-100", byTrade["electrician"].LicenseNumber)
	assert.Equal(t, "P-200", byTrade["plumber"].LicenseNumber)
}

func TestRecomputeSkipsInvalidAndExpired(t *testing.T) {
	svc, store := newTestService()
	past := time.Now().Add(-24 * time.Hour)

	store.Records["u1"] = []VerificationRecord{
		{ID: "v1", UserID: "u1", RecordType: "insurance", Valid: true, ExpiresAt: past},
		{ID: "v2", UserID: "u1", RecordType: "license", Trade: "roofer", Valid: false},
		{ID: "v3", UserID: "u1", RecordType: "license", Valid: true}, // no trade named
	}

	profile, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, profile.InsuranceValid)
	assert.Empty(t, store.Trades["u1"])
}

func TestRecomputeLatestInsuranceWins(t *testing.T) {
	svc, store := newTestService()
	near := time.Now().Add(30 * 24 * time.Hour)
	far := time.Now().Add(365 * 24 * time.Hour)

	store.Records["u1"] = []VerificationRecord{
		{ID: "v1", UserID: "u1", RecordType: "insurance", Valid: true, ExpiresAt: near},
		{ID: "v2", UserID: "u1", RecordType: "insurance", Valid: true, ExpiresAt: far},
	}

	profile, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, far, profile.InsuranceExpiresAt)
}

func TestRecomputeKeepsLongestLicensePerTrade(t *testing.T) {
	svc, store := newTestService()
	near := time.Now().Add(30 * 24 * time.Hour)
	far := time.Now().Add(365 * 24 * time.Hour)

	store.Records["u1"] = []VerificationRecord{
		{ID: "v1", UserID: "u1", RecordType: "license", Trade: "electrician", LicenseNumber: "E-OLD", Valid: true, ExpiresAt: near},
		{ID: "v2", UserID: "u1", RecordType: "license", Trade: "electrician", LicenseNumber: "E-NEW", Valid: true, ExpiresAt: far},
	}

	_, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	trades := store.Trades["u1"]
	require.Len(t, trades, 1)
	assert.Equal(t, "E-NEW", trades[0].LicenseNumber)
}

func TestRecomputeIsRepeatable(t *testing.T) {
	svc, store := newTestService()

	_, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	first := store.Profiles["u1"]
	assert.Equal(t, core.TierRookie, first.TrustTier)

	// Records added between calls show up on the next rebuild.
	store.Records["u1"] = []VerificationRecord{
		{ID: "v1", UserID: "u1", RecordType: "insurance", Valid: true},
	}
	profile, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, profile.InsuranceValid)
}
