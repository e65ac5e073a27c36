package service

import (
	"context"
	"testing"

	"mpesagateway/internal/model"
	"mpesagateway/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTransactionWithErrors(t *testing.T) {
	db := newTestDB(t)
	svc := NewQueryService(db)
	ctx := context.Background()

	trans := seedTransaction(t, db, "ORD_Q_001", model.TxStatusPending, "")
	trans.RawStkResponse = `{"ResponseCode":"0"}`
	require.NoError(t, db.Save(trans).Error)

	perrRepo := repository.NewProcessingErrorRepository(db)
	require.NoError(t, perrRepo.Append(ctx, nil, "ORD_Q_001", "重复回调被忽略"))
	require.NoError(t, perrRepo.Append(ctx, nil, "ORD_Q_001", "回调未生效"))

	detail, err := svc.GetTransaction(ctx, "ORD_Q_001", false)
	require.NoError(t, err)
	assert.Equal(t, "ORD_Q_001", detail.OrderNo)
	assert.Empty(t, detail.RawStkResponse)
	require.Len(t, detail.ProcessingErrors, 2)
	assert.Equal(t, "重复回调被忽略", detail.ProcessingErrors[0].Message)

	full, err := svc.GetTransaction(ctx, "ORD_Q_001", true)
	require.NoError(t, err)
	assert.Equal(t, `{"ResponseCode":"0"}`, full.RawStkResponse)

	_, err = svc.GetTransaction(ctx, "ORD_NO_SUCH", false)
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)
}

func TestListTransactionsClampsPaging(t *testing.T) {
	db := newTestDB(t)
	svc := NewQueryService(db)
	ctx := context.Background()

	for _, no := range []string{"ORD_Q_A", "ORD_Q_B", "ORD_Q_C"} {
		seedTransaction(t, db, no, model.TxStatusPending, "")
	}

	list, total, err := svc.ListTransactions(ctx, nil, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 3)

	list, total, err = svc.ListTransactions(ctx, nil, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 1)
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	svc := NewQueryService(db)
	ctx := context.Background()

	seedTransaction(t, db, "ORD_Q_S1", model.TxStatusCompleted, "")
	seedTransaction(t, db, "ORD_Q_S2", model.TxStatusPending, "")

	require.NoError(t, db.Create(&model.Deposit{
		DepositNo:    "DEP20240115143052001",
		MpesaTransID: "RKTQDM7W6S",
		Amount:       250,
		Msisdn:       "254712345678",
		ShortCode:    "174379",
		Status:       model.DepositStatusCompleted,
	}).Error)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.TodayCount)
	assert.Equal(t, int64(2), stats.WeekCount)
	assert.Len(t, stats.Recent, 2)
	assert.Equal(t, int64(1), stats.DepositCount)
	assert.Equal(t, float64(250), stats.DepositAmount)

	byStatus := make(map[string]int64)
	for _, c := range stats.StatusCounts {
		byStatus[c.Status] = c.Count
	}
	assert.Equal(t, int64(1), byStatus[model.TxStatusCompleted])
	assert.Equal(t, int64(1), byStatus[model.TxStatusPending])
}
