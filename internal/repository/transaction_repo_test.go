package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mpesagateway/internal/infrastructure/database"
	"mpesagateway/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 内存 sqlite，复用生产迁移。内存库按连接隔离，
// 限制单连接避免连接池切换后表消失。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func seedTransaction(t *testing.T, db *gorm.DB, orderNo, status string) *model.Transaction {
	t.Helper()
	trans := &model.Transaction{
		OrderNo:          orderNo,
		Amount:           100,
		PhoneNumber:      "254712345678",
		AccountReference: "ACC001",
		BankName:         "equity",
		WebhookURL:       "https://merchant.example.com/hook",
		Status:           status,
	}
	require.NoError(t, db.Create(trans).Error)
	return trans
}

func backdate(t *testing.T, db *gorm.DB, orderNo string, createdAt time.Time) {
	t.Helper()
	err := db.Model(&model.Transaction{}).
		Where("order_no = ?", orderNo).
		UpdateColumn("created_at", createdAt).Error
	require.NoError(t, err)
}

func TestTransactionCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	trans := &model.Transaction{
		OrderNo:          "ORD20240115143052001",
		Amount:           1500,
		PhoneNumber:      "254712345678",
		AccountReference: "ACC001",
		Status:           model.TxStatusInitiated,
		RawStkResponse:   `{"ResponseCode":"0"}`,
		RawCallbackData:  `{"Body":{}}`,
	}
	require.NoError(t, repo.Create(ctx, nil, trans))

	// 默认投影不带原始报文
	got, err := repo.GetByOrderNo(ctx, trans.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.Amount)
	assert.Equal(t, "254712345678", got.PhoneNumber)
	assert.Equal(t, model.TxStatusInitiated, got.Status)
	assert.Empty(t, got.RawStkResponse)
	assert.Empty(t, got.RawCallbackData)

	full, err := repo.GetFullByOrderNo(ctx, trans.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, `{"ResponseCode":"0"}`, full.RawStkResponse)
	assert.Equal(t, `{"Body":{}}`, full.RawCallbackData)

	_, err = repo.GetByOrderNo(ctx, "ORD_NO_SUCH")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSetAcknowledgement(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD001", model.TxStatusInitiated)

	err := repo.SetAcknowledgement(ctx, nil, "ORD001",
		"29115-34620561-1", "ws_CO_191220191020363925", "Success. Request accepted", `{"ResponseCode":"0"}`)
	require.NoError(t, err)

	got, err := repo.GetFullByOrderNo(ctx, "ORD001")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPending, got.Status)
	assert.Equal(t, "29115-34620561-1", got.MerchantRequestID)
	assert.Equal(t, "ws_CO_191220191020363925", got.CheckoutRequestID)
	assert.Equal(t, `{"ResponseCode":"0"}`, got.RawStkResponse)

	// 订单已不在 INITIATED，再次受理无效
	err = repo.SetAcknowledgement(ctx, nil, "ORD001", "x", "y", "z", "{}")
	assert.ErrorIs(t, err, ErrStatusInvalid)
}

func TestApplyCallbackIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD002", model.TxStatusPending)

	upd := &CallbackUpdate{
		FinalStatus:        model.TxStatusCompleted,
		ResultCode:         0,
		ResultDesc:         "The service request is processed successfully.",
		MpesaReceiptNumber: "RKTQDM7W6S",
		TransactionDate:    "20240115143022",
		CallbackAmount:     100,
		RawCallbackData:    `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		ReceivedAt:         time.Now(),
	}
	require.NoError(t, repo.ApplyCallback(ctx, nil, "ORD002", upd))

	got, err := repo.GetFullByOrderNo(ctx, "ORD002")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCompleted, got.Status)
	assert.True(t, got.CallbackReceived)
	assert.NotNil(t, got.CallbackReceivedAt)
	assert.Equal(t, "RKTQDM7W6S", got.MpesaReceiptNumber)
	assert.Equal(t, "20240115143022", got.TransactionDate)
	assert.Equal(t, float64(100), got.CallbackAmount)

	// 同一订单第二个回调影响行数为 0
	dup := *upd
	dup.MpesaReceiptNumber = "SHOULD_NOT_WIN"
	err = repo.ApplyCallback(ctx, nil, "ORD002", &dup)
	assert.ErrorIs(t, err, ErrCallbackAlreadyApplied)

	got, err = repo.GetFullByOrderNo(ctx, "ORD002")
	require.NoError(t, err)
	assert.Equal(t, "RKTQDM7W6S", got.MpesaReceiptNumber)
}

func TestApplyCallbackDoesNotDowngradeTerminal(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD003", model.TxStatusPending)
	require.NoError(t, repo.MarkTimeout(ctx, nil, "ORD003"))

	// 超时之后迟到的成功回调不再生效
	err := repo.ApplyCallback(ctx, nil, "ORD003", &CallbackUpdate{
		FinalStatus: model.TxStatusCompleted,
		ResultCode:  0,
		ReceivedAt:  time.Now(),
	})
	assert.ErrorIs(t, err, ErrCallbackAlreadyApplied)

	got, err := repo.GetByOrderNo(ctx, "ORD003")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusTimeout, got.Status)
	assert.False(t, got.CallbackReceived)
}

func TestApplyCallbackRejectsInvalidTarget(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)

	err := repo.ApplyCallback(context.Background(), nil, "ORD004", &CallbackUpdate{
		FinalStatus: "UNKNOWN",
		ReceivedAt:  time.Now(),
	})
	assert.ErrorIs(t, err, ErrStatusInvalid)
}

func TestMarkTimeout(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD005", model.TxStatusInitiated)
	require.NoError(t, repo.MarkTimeout(ctx, nil, "ORD005"))

	got, err := repo.GetByOrderNo(ctx, "ORD005")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusTimeout, got.Status)

	// 已是终态，重复标记无效
	assert.ErrorIs(t, repo.MarkTimeout(ctx, nil, "ORD005"), ErrStatusInvalid)

	seedTransaction(t, db, "ORD006", model.TxStatusCompleted)
	assert.ErrorIs(t, repo.MarkTimeout(ctx, nil, "ORD006"), ErrStatusInvalid)
}

func TestGetStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD_OLD_PENDING", model.TxStatusPending)
	backdate(t, db, "ORD_OLD_PENDING", time.Now().Add(-45*time.Minute))

	seedTransaction(t, db, "ORD_FRESH_PENDING", model.TxStatusPending)

	seedTransaction(t, db, "ORD_OLD_COMPLETED", model.TxStatusCompleted)
	backdate(t, db, "ORD_OLD_COMPLETED", time.Now().Add(-45*time.Minute))

	stale, err := repo.GetStale(ctx, time.Now().Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "ORD_OLD_PENDING", stale[0].OrderNo)
}

func TestListWithFilters(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedTransaction(t, db, fmt.Sprintf("ORD_LIST_%d", i), model.TxStatusPending)
	}
	seedTransaction(t, db, "ORD_LIST_DONE", model.TxStatusCompleted)

	list, total, err := repo.List(ctx, &ListFilter{Status: model.TxStatusPending}, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, list, 3)
	// 列表同样不带原始报文
	for _, trans := range list {
		assert.Empty(t, trans.RawStkResponse)
	}

	list, total, err = repo.List(ctx, &ListFilter{PhoneNumber: "254700000000"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, list)
}

func TestCountByStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD_S1", model.TxStatusPending)
	seedTransaction(t, db, "ORD_S2", model.TxStatusPending)
	seedTransaction(t, db, "ORD_S3", model.TxStatusCompleted)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)

	byStatus := make(map[string]int64)
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}
	assert.Equal(t, int64(2), byStatus[model.TxStatusPending])
	assert.Equal(t, int64(1), byStatus[model.TxStatusCompleted])

	total, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}
