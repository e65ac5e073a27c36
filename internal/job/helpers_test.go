package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"mpesagateway/internal/config"
	"mpesagateway/internal/infrastructure/database"
	"mpesagateway/internal/model"

	"github.com/glebarez/sqlite"
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

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{PayResult: "mpesa-pay-result"},
		},
		Business: config.BusinessConfig{
			StaleTimeoutMinutes:   30,
			WebhookMaxAttempts:    3,
			WebhookBackoffSeconds: 0,
			OutboxMaxRetry:        2,
		},
	}
}

func seedTransaction(t *testing.T, db *gorm.DB, orderNo, status, webhookURL string) *model.Transaction {
	t.Helper()
	trans := &model.Transaction{
		OrderNo:          orderNo,
		Amount:           100,
		PhoneNumber:      "254712345678",
		AccountReference: "ACC001",
		WebhookURL:       webhookURL,
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

// memoryLocker 内存锁，测试里替代 Redis
type memoryLocker struct {
	mu    sync.Mutex
	locks map[string]string
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{locks: make(map[string]string)}
}

func (l *memoryLocker) TryLock(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[key]; held {
		return false, nil
	}
	l.locks[key] = value
	return true, nil
}

func (l *memoryLocker) Unlock(_ context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] == value {
		delete(l.locks, key)
	}
	return nil
}
