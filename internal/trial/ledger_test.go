package trial

import (
	"context"
	"sync"
	"testing"
	"time"

	"trial-license-system/internal/database"
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testClient = "client-1"
	testDevice = "0f6d2c1e9a8b7c6d5e4f3a2b1c0d9e8f"
)

func newLedger(t *testing.T) (*Ledger, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return start.Add(time.Duration(tick) * time.Second)
	}
	return NewLedger(database.NewTestDB(t), WithMetrics(m), WithClock(clock)), m
}

func TestOperationCosts(t *testing.T) {
	tests := []struct {
		op   Operation
		cost int
	}{
		{OpProductView, 0},
		{OpProductSearch, 0},
		{OpSaleCreate, 1},
		{OpProductCreate, 2},
		{OpReportGenerate, 3},
		{OpUserCreate, 5},
		{OpSettingsUpdate, 10},
		{Operation("SOMETHING_NEW"), DefaultCost},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.cost, tt.op.Cost())
		})
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation(" product_create ")
	require.NoError(t, err)
	assert.Equal(t, OpProductCreate, op)

	_, err = ParseOperation("LAUNCH_ROCKET")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestOperationsAreSortedByCost(t *testing.T) {
	ops := Operations()
	require.Len(t, ops, 13)
	for i := 1; i < len(ops); i++ {
		assert.LessOrEqual(t, ops[i-1].Cost(), ops[i].Cost())
	}
	assert.Equal(t, OpSettingsUpdate, ops[len(ops)-1])
}

func TestInitializeSessionIsIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s, created, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, InitialCredits, s.CreditsRemaining)
	assert.Equal(t, 1, s.AccessCount)
	assert.True(t, s.IsActive)

	_, err = l.ConsumeCredits(ctx, testClient, testDevice, OpSaleCreate)
	require.NoError(t, err)

	again, created, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, 2, again.AccessCount)
	assert.Equal(t, InitialCredits-1, again.CreditsRemaining)
	assert.True(t, again.LastAccessAt.After(s.LastAccessAt))

	_, _, err = l.InitializeSession(ctx, "", testDevice)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestConsumeCreditsSequence(t *testing.T) {
	l, m := newLedger(t)
	ctx := context.Background()
	_, _, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := l.ConsumeCredits(ctx, testClient, testDevice, OpProductCreate)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.CreditsConsumed)
	}

	s, err := l.Session(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.Equal(t, 40, s.CreditsRemaining)
	assert.Equal(t, 10, s.CreditsConsumed)

	txns, err := l.Transactions(ctx, testClient, testDevice, 0)
	require.NoError(t, err)
	require.Len(t, txns, 5)
	for i, want := range []int{48, 46, 44, 42, 40} {
		assert.Equal(t, want, txns[i].RemainingCredits)
		assert.Equal(t, string(OpProductCreate), txns[i].OperationType)
	}

	limited, err := l.Transactions(ctx, testClient, testDevice, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.CreditsConsumed.WithLabelValues("PRODUCT_CREATE")))
}

func TestConsumeCreditsInsufficientDoesNotMutate(t *testing.T) {
	l, m := newLedger(t)
	ctx := context.Background()
	s, _, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)
	require.NoError(t, l.db.Model(&model.TrialSession{}).Where("id = ?", s.ID).Update("credits_remaining", 1).Error)

	check, err := l.CheckCredits(ctx, testClient, testDevice, OpReportGenerate)
	require.NoError(t, err)
	assert.False(t, check.HasCredits)
	assert.Equal(t, 3, check.CreditsNeeded)

	res, err := l.ConsumeCredits(ctx, testClient, testDevice, OpReportGenerate)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.CreditsRemaining)
	assert.False(t, res.IsLocked)
	assert.Equal(t, "insufficient credits", res.Message)

	after, err := l.Session(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CreditsRemaining)
	assert.Equal(t, 0, after.CreditsConsumed)
	assert.True(t, s.LastAccessAt.Equal(after.LastAccessAt))

	txns, err := l.Transactions(ctx, testClient, testDevice, 0)
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpendRejected.WithLabelValues("REPORT_GENERATE")))
}

func TestConsumeCreditsLocksAtZero(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, _, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := l.ConsumeCredits(ctx, testClient, testDevice, OpSettingsUpdate)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := l.ConsumeCredits(ctx, testClient, testDevice, OpSaleCreate)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.IsLocked)

	// Free operations still go through on an empty balance.
	free, err := l.ConsumeCredits(ctx, testClient, testDevice, OpProductView)
	require.NoError(t, err)
	assert.True(t, free.Success)
	assert.True(t, free.IsLocked)
	assert.Equal(t, 0, free.CreditsRemaining)
}

func TestConsumeCreditsMissingSession(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.ConsumeCredits(context.Background(), testClient, testDevice, OpSaleCreate)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = l.CheckCredits(context.Background(), testClient, testDevice, OpSaleCreate)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestConsumeCreditsConcurrentNoDoubleSpend(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, _, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.ConsumeCredits(ctx, testClient, testDevice, OpSettingsUpdate)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if res.Success {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, success)
	s, err := l.Session(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.Equal(t, 0, s.CreditsRemaining)
	assert.Equal(t, 50, s.CreditsConsumed)

	txns, err := l.Transactions(ctx, testClient, testDevice, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 5)
}

func TestResetSession(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, _, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)
	_, err = l.ConsumeCredits(ctx, testClient, testDevice, OpUserCreate)
	require.NoError(t, err)

	err = l.db.Transaction(func(tx *gorm.DB) error {
		_, err := l.ApplyLicense(ctx, tx, testClient, testDevice, "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345", 1000, time.Now())
		return err
	})
	require.NoError(t, err)

	s, err := l.ResetSession(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.Equal(t, InitialCredits, s.CreditsRemaining)
	assert.Equal(t, 0, s.CreditsConsumed)
	assert.Nil(t, s.LicenseKey)
	assert.Nil(t, s.ActivatedAt)

	_, err = l.ResetSession(ctx, "other", testDevice)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestApplyLicense(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	key := "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"

	_, _, err := l.InitializeSession(ctx, testClient, testDevice)
	require.NoError(t, err)
	_, err = l.ConsumeCredits(ctx, testClient, testDevice, OpProductCreate)
	require.NoError(t, err)

	var bound *model.TrialSession
	err = l.db.Transaction(func(tx *gorm.DB) error {
		var err error
		bound, err = l.ApplyLicense(ctx, tx, testClient, testDevice, key, 1000, time.Now())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, bound.CreditsRemaining)
	assert.Equal(t, 2, bound.CreditsConsumed)
	require.NotNil(t, bound.LicenseKey)
	assert.Equal(t, key, *bound.LicenseKey)
	assert.NotNil(t, bound.ActivatedAt)

	remaining, ok, err := l.RemainingForLicense(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1000, remaining)

	_, ok, err = l.RemainingForLicense(ctx, "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyLicenseCreatesMissingSession(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	err := l.db.Transaction(func(tx *gorm.DB) error {
		_, err := l.ApplyLicense(ctx, tx, testClient, testDevice, "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345", 5000, time.Now())
		return err
	})
	require.NoError(t, err)

	s, err := l.Session(ctx, testClient, testDevice)
	require.NoError(t, err)
	assert.Equal(t, 5000, s.CreditsRemaining)
	assert.Equal(t, 1, s.AccessCount)
}
