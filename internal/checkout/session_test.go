package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"pos-terminal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	calls int
	err   error
	last  *models.SaleRecord
}

func (p *fakePersister) RecordFinalizedSale(ctx context.Context, sale *models.SaleRecord) (string, error) {
	p.calls++
	p.last = sale
	if p.err != nil {
		return "", p.err
	}
	return "", nil
}

type fakeCashSink struct {
	amounts []float64
}

func (s *fakeCashSink) RecordCashTender(amount float64) error {
	s.amounts = append(s.amounts, amount)
	return nil
}

type fakeCreditChecker struct {
	allow bool
	err   error
}

func (c *fakeCreditChecker) CheckCreditLimit(ctx context.Context, customerID int64, amount float64) (bool, error) {
	return c.allow, c.err
}

func openSession(t *testing.T, target float64, deps Deps) *Session {
	t.Helper()
	s, err := Open(1, 0, target, deps)
	require.NoError(t, err)
	return s
}

func TestOpenRejectsNonPositiveTarget(t *testing.T) {
	_, err := Open(1, 0, 0, Deps{})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = Open(1, 0, -10, Deps{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestMultiTenderSettles(t *testing.T) {
	s := openSession(t, 1000, Deps{})

	require.NoError(t, s.CreditTender(models.MethodCash, 400, "", ""))
	assert.Equal(t, StateOpen, s.State())
	assert.InDelta(t, 600, s.RemainingBalance(), 1e-9)

	require.NoError(t, s.CreditTender(models.MethodMobile, 600, "MPESA", "RCPT001"))
	assert.Equal(t, StateSettled, s.State())
	assert.Zero(t, s.RemainingBalance())
}

func TestCashOverpaymentBecomesChange(t *testing.T) {
	s := openSession(t, 750, Deps{})

	require.NoError(t, s.CreditTender(models.MethodCash, 1000, "", ""))

	assert.Equal(t, StateSettled, s.State())
	assert.InDelta(t, 250, s.ChangeDue(), 1e-9)

	// The credited line is capped at the balance; the excess never
	// inflates the tender total.
	tenders := s.Tenders()
	require.Len(t, tenders, 1)
	assert.InDelta(t, 750, tenders[0].Amount, 1e-9)
}

func TestDuplicateSourceReferenceRejected(t *testing.T) {
	s := openSession(t, 1000, Deps{})

	require.NoError(t, s.CreditTender(models.MethodMobile, 300, "MPESA", "RCPT777"))
	err := s.CreditTender(models.MethodMobile, 300, "MPESA", "RCPT777")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	require.Len(t, s.Tenders(), 1)
	assert.InDelta(t, 700, s.RemainingBalance(), 1e-9)
}

func TestBlankSourceReferenceNeverCollides(t *testing.T) {
	s := openSession(t, 1000, Deps{})

	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))
	require.Len(t, s.Tenders(), 2)
}

func TestInvalidTenderAmounts(t *testing.T) {
	s := openSession(t, 500, Deps{})

	assert.ErrorIs(t, s.CreditTender(models.MethodCash, 0, "", ""), ErrInvalidAmount)
	assert.ErrorIs(t, s.CreditTender(models.MethodCash, -5, "", ""), ErrInvalidAmount)
	assert.Empty(t, s.Tenders())
}

func TestCreditTenderConsultsLimit(t *testing.T) {
	checker := &fakeCreditChecker{allow: false}
	s := openSession(t, 500, Deps{CreditCheck: checker})

	err := s.CreditTender(models.MethodCredit, 500, "", "")
	assert.ErrorIs(t, err, ErrCreditDeclined)
	assert.Empty(t, s.Tenders())

	checker.allow = true
	require.NoError(t, s.CreditTender(models.MethodCredit, 500, "", ""))
	assert.Equal(t, StateSettled, s.State())
}

func TestFinalizeRecordsCashOnShift(t *testing.T) {
	persister := &fakePersister{}
	sink := &fakeCashSink{}
	s := openSession(t, 1000, Deps{Persister: persister, CashSink: sink})

	require.NoError(t, s.CreditTender(models.MethodCash, 400, "", ""))
	require.NoError(t, s.CreditTender(models.MethodMobile, 600, "MPESA", "RCPT100"))

	sale, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, s.State())
	assert.Equal(t, 1, persister.calls)

	// Only the cash line reaches the drawer, only at finalize.
	require.Len(t, sink.amounts, 1)
	assert.InDelta(t, 400, sink.amounts[0], 1e-9)
	assert.InDelta(t, 600, sale.MethodTotal(models.MethodMobile), 1e-9)
}

func TestFinalizeRequiresSettled(t *testing.T) {
	s := openSession(t, 1000, Deps{})
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))

	_, err := s.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNotSettled)
	assert.Equal(t, StateOpen, s.State())
}

func TestFinalizeDebounceAbsorbsDoubleTrigger(t *testing.T) {
	s := openSession(t, 100, Deps{Debounce: time.Second})
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))

	_, err := s.Finalize(context.Background())
	require.NoError(t, err)

	// Second press right behind the first is absorbed, not a hard error.
	_, err = s.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrFinalizePending)
}

func TestFinalizeAfterDebounceWindowIsClosed(t *testing.T) {
	s := openSession(t, 100, Deps{Debounce: time.Millisecond})
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))

	_, err := s.Finalize(context.Background())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFinalizePersistenceFailureRevertsToSettled(t *testing.T) {
	persister := &fakePersister{err: errors.New("db down")}
	sink := &fakeCashSink{}
	s := openSession(t, 100, Deps{Persister: persister, CashSink: sink})
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))

	_, err := s.Finalize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateSettled, s.State())
	assert.Empty(t, sink.amounts)

	// Retry succeeds without duplicating tenders.
	persister.err = nil
	sale, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Len(t, sale.Tenders, 1)
	assert.Len(t, sink.amounts, 1)
	assert.Equal(t, 2, persister.calls)
}

func TestCreditAfterFinalizeRejected(t *testing.T) {
	s := openSession(t, 100, Deps{})
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))
	_, err := s.Finalize(context.Background())
	require.NoError(t, err)

	err = s.CreditTender(models.MethodMobile, 50, "MPESA", "LATE001")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCancelOnlyFromOpen(t *testing.T) {
	s := openSession(t, 100, Deps{})
	require.NoError(t, s.Cancel())
	assert.Equal(t, StateCancelled, s.State())

	settled := openSession(t, 100, Deps{})
	require.NoError(t, settled.CreditTender(models.MethodCash, 100, "", ""))
	assert.ErrorIs(t, settled.Cancel(), ErrNotOpen)
}

func TestRemainingBalanceNeverNegative(t *testing.T) {
	s := openSession(t, 100, Deps{})

	// A mobile confirmation can legitimately exceed the balance; the
	// remaining balance still floors at zero.
	require.NoError(t, s.CreditTender(models.MethodMobile, 120, "MPESA", "RCPT900"))
	assert.Zero(t, s.RemainingBalance())
	assert.Equal(t, StateSettled, s.State())
}

func TestSnapshotReflectsSession(t *testing.T) {
	s := openSession(t, 300, Deps{})
	require.NoError(t, s.CreditTender(models.MethodCash, 100, "", ""))

	snap := s.Snapshot()
	assert.Equal(t, s.ID(), snap.ID)
	assert.Equal(t, StateOpen, snap.State)
	assert.InDelta(t, 200, snap.RemainingBalance, 1e-9)
	assert.Len(t, snap.Tenders, 1)
}
