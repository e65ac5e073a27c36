package service

import (
	"context"
	"time"

	"mpesagateway/internal/model"
	"mpesagateway/internal/repository"

	"gorm.io/gorm"
)

// QueryService 订单查询与统计
type QueryService struct {
	txRepo      *repository.TransactionRepository
	perrRepo    *repository.ProcessingErrorRepository
	depositRepo *repository.DepositRepository
}

func NewQueryService(db *gorm.DB) *QueryService {
	return &QueryService{
		txRepo:      repository.NewTransactionRepository(db),
		perrRepo:    repository.NewProcessingErrorRepository(db),
		depositRepo: repository.NewDepositRepository(db),
	}
}

// TransactionDetail 订单详情，附带处理异常流水
type TransactionDetail struct {
	*model.Transaction
	ProcessingErrors []*model.ProcessingError `json:"processing_errors,omitempty"`
}

// GetTransaction 查单；full=true 时包含原始报文（排障用）
func (s *QueryService) GetTransaction(ctx context.Context, orderNo string, full bool) (*TransactionDetail, error) {
	var trans *model.Transaction
	var err error
	if full {
		trans, err = s.txRepo.GetFullByOrderNo(ctx, orderNo)
	} else {
		trans, err = s.txRepo.GetByOrderNo(ctx, orderNo)
	}
	if err != nil {
		return nil, err
	}

	errs, err := s.perrRepo.ListByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}

	return &TransactionDetail{Transaction: trans, ProcessingErrors: errs}, nil
}

func (s *QueryService) ListTransactions(ctx context.Context, filter *repository.ListFilter, page, pageSize int) ([]*model.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return s.txRepo.List(ctx, filter, page, pageSize)
}

// TransactionStats 聚合统计
//
// STK 订单和 C2B 入账分开统计（两边是不同的账本），只共用一个查询面。
type TransactionStats struct {
	Total         int64                    `json:"total"`
	TodayCount    int64                    `json:"today_count"`
	WeekCount     int64                    `json:"week_count"`
	StatusCounts  []repository.StatusCount `json:"status_counts"`
	Recent        []*model.Transaction     `json:"recent"`
	DepositCount  int64                    `json:"deposit_count"`
	DepositAmount float64                  `json:"deposit_amount"`
}

func (s *QueryService) Stats(ctx context.Context) (*TransactionStats, error) {
	stats := &TransactionStats{}

	var err error
	if stats.Total, err = s.txRepo.Count(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if stats.TodayCount, err = s.txRepo.CountSince(ctx, todayStart); err != nil {
		return nil, err
	}
	if stats.WeekCount, err = s.txRepo.CountSince(ctx, now.AddDate(0, 0, -7)); err != nil {
		return nil, err
	}

	if stats.StatusCounts, err = s.txRepo.CountByStatus(ctx); err != nil {
		return nil, err
	}
	if stats.Recent, err = s.txRepo.Recent(ctx, 10); err != nil {
		return nil, err
	}

	if stats.DepositCount, err = s.depositRepo.Count(ctx); err != nil {
		return nil, err
	}
	if stats.DepositAmount, err = s.depositRepo.SumAmount(ctx); err != nil {
		return nil, err
	}

	return stats, nil
}
