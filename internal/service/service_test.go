package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/wallet-scheduler/internal/config"
	"github.com/richardliu001/wallet-scheduler/internal/gateway"
	"github.com/richardliu001/wallet-scheduler/internal/model"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nopWriter struct{}

func (nopWriter) WriteMessages(context.Context, ...kafka.Message) error { return nil }

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	res   *gateway.Result
	err   error
}

func (g *fakeGateway) Transfer(_ context.Context, reference string, amount int64) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.res, g.err
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func gatewayReply(status int, data, raw string) *gateway.Result {
	return &gateway.Result{Response: gateway.Response{Status: status, Data: data}, Raw: []byte(raw)}
}

type testEnv struct {
	db          *gorm.DB
	repo        *repo.Repository
	mr          *miniredis.Miniredis
	gw          *fakeGateway
	wallet      *WalletService
	withdrawals *WithdrawalService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop().Sugar()
	r := repo.NewRepository(db, rdb, nopWriter{}, log)
	gw := &fakeGateway{res: gatewayReply(200, "success", `{"status":200,"data":"success"}`)}
	return &testEnv{
		db:          db,
		repo:        r,
		mr:          mr,
		gw:          gw,
		wallet:      NewWalletService(r, log),
		withdrawals: NewWithdrawalService(r, gw, log),
	}
}

func (e *testEnv) accountWithBalance(t *testing.T, amount int64) *model.Account {
	t.Helper()
	ctx := context.Background()
	a, err := e.wallet.CreateAccount(ctx)
	require.NoError(t, err)
	if amount > 0 {
		bal, err := e.wallet.Deposit(ctx, a.UUID, amount)
		require.NoError(t, err)
		require.Equal(t, amount, bal)
	}
	return a
}

// scheduleAndForceDue schedules a withdrawal ten seconds out, then moves execute_at into the past.
func (e *testEnv) scheduleAndForceDue(t *testing.T, accountUUID string, amount int64) *model.Transaction {
	t.Helper()
	at := time.Now().UTC().Add(10 * time.Second)
	txn, err := e.wallet.ScheduleWithdraw(context.Background(), accountUUID, amount, &at)
	require.NoError(t, err)
	require.NoError(t, e.db.Model(&model.Transaction{}).Where("id = ?", txn.ID).
		UpdateColumn("execute_at", time.Now().UTC().Add(-time.Second)).Error)
	return txn
}

func (e *testEnv) balance(t *testing.T, id uint64) int64 {
	t.Helper()
	var a model.Account
	require.NoError(t, e.db.First(&a, id).Error)
	return a.Balance
}

func (e *testEnv) txn(t *testing.T, id uint64) model.Transaction {
	t.Helper()
	var txn model.Transaction
	require.NoError(t, e.db.First(&txn, id).Error)
	return txn
}

func TestWithdrawal_ReserveThenSucceed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)

	at := time.Now().UTC().Add(10 * time.Second)
	txn, err := e.wallet.ScheduleWithdraw(ctx, a.UUID, 400, &at)
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, txn.Status)
	assert.Equal(t, int64(1000), e.balance(t, a.ID))

	// not due yet: untouched
	res, err := e.withdrawals.ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, int64(1000), e.balance(t, a.ID))
	assert.Equal(t, model.StatusScheduled, e.txn(t, txn.ID).Status)

	require.NoError(t, e.db.Model(&model.Transaction{}).Where("id = ?", txn.ID).
		UpdateColumn("execute_at", time.Now().UTC().Add(-time.Second)).Error)

	res, err = e.withdrawals.ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	assert.Equal(t, txn.Reference, res.Reference)
	assert.Equal(t, int64(400), res.Amount)
	assert.Equal(t, int64(600), e.balance(t, a.ID))
	got := e.txn(t, txn.ID)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)

	res, err = e.withdrawals.ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, res.Claimed, "second claim must not reserve again")
	assert.Equal(t, int64(600), e.balance(t, a.ID))

	done, err := e.withdrawals.FinalizeSuccess(ctx, txn.ID, []byte(`{"status":200,"data":"success"}`))
	require.NoError(t, err)
	assert.True(t, done)
	got = e.txn(t, txn.ID)
	assert.Equal(t, model.StatusSucceeded, got.Status)
	require.NotNil(t, got.GatewayResponse)
	assert.JSONEq(t, `{"status":200,"data":"success"}`, *got.GatewayResponse)
	assert.Equal(t, int64(600), e.balance(t, a.ID))

	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))
	assert.Equal(t, int64(600), e.balance(t, a.ID))
	assert.Equal(t, 0, e.gw.Calls())
}

func TestExecuteWithdrawal_SuccessIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))
	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))

	assert.Equal(t, int64(600), e.balance(t, a.ID))
	assert.Equal(t, 1, e.gw.Calls())
	assert.Equal(t, model.StatusSucceeded, e.txn(t, txn.ID).Status)
}

func TestExecuteWithdrawal_GatewayRejectedRefunds(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.gw.res = gatewayReply(503, "failed", `{"status":503,"data":"failed"}`)
	a := e.accountWithBalance(t, 1000)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))

	assert.Equal(t, int64(1000), e.balance(t, a.ID))
	got := e.txn(t, txn.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ReasonGatewayRejected, got.LastError)
	require.NotNil(t, got.GatewayResponse)
	assert.JSONEq(t, `{"status":503,"data":"failed"}`, *got.GatewayResponse)

	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))
	assert.Equal(t, int64(1000), e.balance(t, a.ID))
	assert.Equal(t, 1, e.gw.Calls())
}

func TestExecuteWithdrawal_NetworkErrorRefunds(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.gw.res = nil
	e.gw.err = gateway.ErrNetwork
	a := e.accountWithBalance(t, 1000)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))

	assert.Equal(t, int64(1000), e.balance(t, a.ID))
	got := e.txn(t, txn.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, model.ReasonNetworkError)
	assert.Nil(t, got.GatewayResponse)
}

func TestClaim_InsufficientFundsFailsWithoutDebit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 100)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	res, err := e.withdrawals.ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, res.Claimed)

	got := e.txn(t, txn.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ReasonInsufficientFunds, got.LastError)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, int64(100), e.balance(t, a.ID))

	// a later deposit does not revive it
	_, err = e.wallet.Deposit(ctx, a.UUID, 1000)
	require.NoError(t, err)
	require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))
	assert.Equal(t, int64(1100), e.balance(t, a.ID))
	assert.Equal(t, 0, e.gw.Calls())
}

func TestClaim_IgnoresDepositsAndMissing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 100)

	txs, err := e.wallet.ListTransactions(ctx, a.UUID)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	res, err := e.withdrawals.ClaimAndReserve(ctx, txs[0].ID)
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, model.StatusSucceeded, e.txn(t, txs[0].ID).Status)

	_, err = e.withdrawals.ClaimAndReserve(ctx, 99999)
	assert.ErrorIs(t, err, repo.ErrTransactionNotFound)
}

func TestFinalize_AtMostOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	// finalize before reservation is a no-op
	done, err := e.withdrawals.FinalizeFailureAndRefund(ctx, txn.ID, model.ReasonGatewayRejected, nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(1000), e.balance(t, a.ID))

	res, err := e.withdrawals.ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	require.True(t, res.Claimed)

	done, err = e.withdrawals.FinalizeFailureAndRefund(ctx, txn.ID, model.ReasonGatewayRejected, nil)
	require.NoError(t, err)
	assert.True(t, done)
	done, err = e.withdrawals.FinalizeFailureAndRefund(ctx, txn.ID, model.ReasonGatewayRejected, nil)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = e.withdrawals.FinalizeSuccess(ctx, txn.ID, nil)
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, int64(1000), e.balance(t, a.ID))
	assert.Equal(t, model.StatusFailed, e.txn(t, txn.ID).Status)
}

func TestExecuteWithdrawal_ConcurrentSameID(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, txn.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.gw.Calls())
	assert.Equal(t, int64(600), e.balance(t, a.ID))
	assert.Equal(t, 1, e.txn(t, txn.ID).Attempts)
}

func TestExecuteWithdrawal_ConcurrentNeverOverdraws(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, e.scheduleAndForceDue(t, a.UUID, 300).ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			res, err := e.withdrawals.ClaimAndReserve(ctx, id)
			assert.NoError(t, err)
			if res.Claimed {
				mu.Lock()
				done++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, done)
	assert.Equal(t, int64(100), e.balance(t, a.ID))

	failed := 0
	for _, id := range ids {
		got := e.txn(t, id)
		if got.Status == model.StatusFailed {
			assert.Equal(t, model.ReasonInsufficientFunds, got.LastError)
			failed++
		} else {
			assert.Equal(t, model.StatusProcessing, got.Status)
		}
	}
	assert.Equal(t, 2, failed)
}

func TestReclaimer_RefundsStaleExactlyOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	stale := e.scheduleAndForceDue(t, a.UUID, 400)
	fresh := e.scheduleAndForceDue(t, a.UUID, 100)

	for _, id := range []uint64{stale.ID, fresh.ID} {
		res, err := e.withdrawals.ClaimAndReserve(ctx, id)
		require.NoError(t, err)
		require.True(t, res.Claimed)
	}
	assert.Equal(t, int64(500), e.balance(t, a.ID))

	// simulate a worker that died eleven minutes ago
	require.NoError(t, e.db.Model(&model.Transaction{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-11*time.Minute)).Error)

	rc := NewReclaimer(e.repo, e.withdrawals, config.Default().Scheduler, zap.NewNop().Sugar())
	n, err := rc.ReleaseStale(ctx, 10*time.Minute, 200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := e.txn(t, stale.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ReasonStaleProcessing, got.LastError)
	assert.Equal(t, model.StatusProcessing, e.txn(t, fresh.ID).Status)
	assert.Equal(t, int64(900), e.balance(t, a.ID))

	n, err = rc.ReleaseStale(ctx, 10*time.Minute, 200)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(900), e.balance(t, a.ID))

	// a late success from the dead worker cannot resurrect it
	done, err := e.withdrawals.FinalizeSuccess(ctx, stale.ID, nil)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestClaim_RefreshesUpdatedAt(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	txn := e.scheduleAndForceDue(t, a.UUID, 400)

	// scheduled long ago; the claim must not inherit the old timestamp
	require.NoError(t, e.db.Model(&model.Transaction{}).Where("id = ?", txn.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-11*time.Minute)).Error)

	res, err := e.withdrawals.ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	require.True(t, res.Claimed)

	ids, err := e.repo.FetchStaleProcessingIDs(ctx, time.Now().UTC().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, txn.ID)

	rc := NewReclaimer(e.repo, e.withdrawals, config.Default().Scheduler, zap.NewNop().Sugar())
	n, err := rc.ReleaseStale(ctx, 10*time.Minute, 200)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, model.StatusProcessing, e.txn(t, txn.ID).Status)
	assert.Equal(t, int64(600), e.balance(t, a.ID))
}

type recordingQueue struct {
	ids  []uint64
	fail map[uint64]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, id uint64) error {
	if q.fail[id] {
		return errors.New("broker down")
	}
	q.ids = append(q.ids, id)
	return nil
}

func TestScanner_EnqueueDue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)

	first := e.scheduleAndForceDue(t, a.UUID, 10)
	second := e.scheduleAndForceDue(t, a.UUID, 20)
	at := time.Now().UTC().Add(time.Hour)
	_, err := e.wallet.ScheduleWithdraw(ctx, a.UUID, 30, &at)
	require.NoError(t, err)

	q := &recordingQueue{}
	cfg := config.Default().Scheduler
	sc := NewScanner(e.repo, q, cfg, zap.NewNop().Sugar())

	ids, err := sc.FetchDue(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{first.ID, second.ID}, ids)

	n, err := sc.EnqueueDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []uint64{first.ID, second.ID}, q.ids)

	// scanning twice redelivers; workers treat the duplicate as a no-op
	_, err = sc.EnqueueDue(ctx)
	require.NoError(t, err)
	for _, id := range q.ids {
		require.NoError(t, e.withdrawals.ExecuteWithdrawal(ctx, id))
	}
	assert.Equal(t, int64(970), e.balance(t, a.ID))
	assert.Equal(t, 2, e.gw.Calls())

	q.fail = map[uint64]bool{first.ID: true}
	n, err = sc.EnqueueDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is due once claimed")
}

func TestScanner_SkipsFailedEnqueue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	first := e.scheduleAndForceDue(t, a.UUID, 10)
	second := e.scheduleAndForceDue(t, a.UUID, 20)

	q := &recordingQueue{fail: map[uint64]bool{first.ID: true}}
	sc := NewScanner(e.repo, q, config.Default().Scheduler, zap.NewNop().Sugar())
	n, err := sc.EnqueueDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{second.ID}, q.ids)
}

func TestScanner_UsesClock(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.accountWithBalance(t, 1000)
	at := time.Now().UTC().Add(time.Hour)
	txn, err := e.wallet.ScheduleWithdraw(ctx, a.UUID, 30, &at)
	require.NoError(t, err)

	sc := NewScanner(e.repo, &recordingQueue{}, config.Default().Scheduler, zap.NewNop().Sugar())
	ids, err := sc.FetchDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	later := func() time.Time { return at.Add(time.Second) }
	ids, err = sc.WithClock(later).FetchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{txn.ID}, ids)

	res, err := e.withdrawals.WithClock(later).ClaimAndReserve(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, res.Claimed)
}
