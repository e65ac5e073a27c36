package repository

import (
	"context"
	"errors"
	"time"

	"mpesagateway/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("订单不存在")
	ErrStatusInvalid       = errors.New("订单状态不合法")
	// ErrCallbackAlreadyApplied 回调已生效过（重复回调或订单已进终态）
	ErrCallbackAlreadyApplied = errors.New("回调已处理，不再生效")
)

// rawPayloadColumns 默认查询不返回的原始报文字段
var rawPayloadColumns = []string{"raw_stk_response", "raw_callback_data"}

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByOrderNo 默认投影，不含原始报文
func (r *TransactionRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).
		Omit(rawPayloadColumns...).
		Where("order_no = ?", orderNo).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// GetFullByOrderNo 完整投影，含原始报文（排障用）
func (r *TransactionRepository) GetFullByOrderNo(ctx context.Context, orderNo string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// SetAcknowledgement 同步应答受理成功：INITIATED -> PENDING，并回填关联标识
//
// 条件更新：回调先到并把订单推进终态时，这里影响行数为 0，
// 返回 ErrStatusInvalid，由调用方记录处理异常，不覆盖回调结果。
func (r *TransactionRepository) SetAcknowledgement(ctx context.Context, tx *gorm.DB, orderNo, merchantRequestID, checkoutRequestID, customerMessage, rawResponse string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("order_no = ? AND status = ?", orderNo, model.TxStatusInitiated).
		Updates(map[string]interface{}{
			"status":              model.TxStatusPending,
			"merchant_request_id": merchantRequestID,
			"checkout_request_id": checkoutRequestID,
			"customer_message":    customerMessage,
			"raw_stk_response":    rawResponse,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

// MarkInitiationFailed 同步应答被拒：INITIATED -> FAILED
func (r *TransactionRepository) MarkInitiationFailed(ctx context.Context, tx *gorm.DB, orderNo, resultDesc, rawResponse string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("order_no = ? AND status = ?", orderNo, model.TxStatusInitiated).
		Updates(map[string]interface{}{
			"status":           model.TxStatusFailed,
			"result_desc":      resultDesc,
			"raw_stk_response": rawResponse,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

// CallbackUpdate 回调落库的全部字段
type CallbackUpdate struct {
	FinalStatus        string
	ResultCode         int
	ResultDesc         string
	MpesaReceiptNumber string
	TransactionDate    string
	CallbackAmount     float64
	RawCallbackData    string
	ReceivedAt         time.Time
}

// ApplyCallback 回调对账落库
//
// 【关键点】幂等靠这一条条件更新扛住：
//   WHERE callback_received = false AND status IN (INITIATED, PENDING)
// 两个回调并发到达时只有一个能翻转 callback_received，输家影响行数为 0；
// 订单已被超时任务推进 TIMEOUT 时同样更新不到，终态不会被回调降级。
func (r *TransactionRepository) ApplyCallback(ctx context.Context, tx *gorm.DB, orderNo string, upd *CallbackUpdate) error {
	if !model.CanTransitionTo(model.TxStatusInitiated, upd.FinalStatus) {
		return ErrStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("order_no = ? AND callback_received = ? AND status IN ?",
			orderNo, false, model.NonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":               upd.FinalStatus,
			"callback_received":    true,
			"callback_received_at": upd.ReceivedAt,
			"result_code":          upd.ResultCode,
			"result_desc":          upd.ResultDesc,
			"mpesa_receipt_number": upd.MpesaReceiptNumber,
			"transaction_date":     upd.TransactionDate,
			"callback_amount":      upd.CallbackAmount,
			"raw_callback_data":    upd.RawCallbackData,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCallbackAlreadyApplied
	}
	return nil
}

// GetStale 捞取超过回调等待窗口仍未收到回调的订单
func (r *TransactionRepository) GetStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Omit(rawPayloadColumns...).
		Where("status IN ? AND callback_received = ? AND created_at < ?",
			model.NonTerminalStatuses, false, cutoff).
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

// MarkTimeout 超时任务的条件更新：非终态且未收到回调才能标记 TIMEOUT
//
// 和 ApplyCallback 用同一组过滤条件，两边赛跑谁先落库谁赢，
// 输家影响行数为 0，不会互相覆盖。
func (r *TransactionRepository) MarkTimeout(ctx context.Context, tx *gorm.DB, orderNo string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("order_no = ? AND callback_received = ? AND status IN ?",
			orderNo, false, model.NonTerminalStatuses).
		Update("status", model.TxStatusTimeout)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

// ListFilter 列表查询过滤条件
type ListFilter struct {
	Status      string
	PhoneNumber string
	BankName    string
	StartTime   *time.Time
	EndTime     *time.Time
}

func (r *TransactionRepository) List(ctx context.Context, filter *ListFilter, page, pageSize int) ([]*model.Transaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Transaction{})

	if filter != nil {
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.PhoneNumber != "" {
			query = query.Where("phone_number = ?", filter.PhoneNumber)
		}
		if filter.BankName != "" {
			query = query.Where("bank_name = ?", filter.BankName)
		}
		if filter.StartTime != nil {
			query = query.Where("created_at >= ?", *filter.StartTime)
		}
		if filter.EndTime != nil {
			query = query.Where("created_at < ?", *filter.EndTime)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var transactions []*model.Transaction
	err := query.
		Omit(rawPayloadColumns...).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// StatusCount 状态分布统计行
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (r *TransactionRepository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error
	return counts, err
}

func (r *TransactionRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

func (r *TransactionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Transaction{}).Count(&count).Error
	return count, err
}

// Recent 最近的订单（默认投影）
func (r *TransactionRepository) Recent(ctx context.Context, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Omit(rawPayloadColumns...).
		Order("created_at DESC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}
