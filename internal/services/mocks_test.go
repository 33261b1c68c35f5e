package service

import (
	"context"
	"sync"
	"time"

	"github.com/almasraf/blocking-service/internal/infrastructure/redis"
	"github.com/almasraf/blocking-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type mockTransactionRepo struct {
	mock.Mock
}

func (m *mockTransactionRepo) Create(ctx context.Context, tx *models.Transaction) (int64, error) {
	args := m.Called(ctx, tx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransactionRepo) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) List(ctx context.Context) ([]models.Transaction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) Delete(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockTransactionRepo) Approve(ctx context.Context, transactionID, userID int64) error {
	return m.Called(ctx, transactionID, userID).Error(0)
}

func (m *mockTransactionRepo) Reject(ctx context.Context, transactionID, userID int64) error {
	return m.Called(ctx, transactionID, userID).Error(0)
}

func (m *mockTransactionRepo) Escalate(ctx context.Context, transactionID, userID int64) error {
	return m.Called(ctx, transactionID, userID).Error(0)
}

func (m *mockTransactionRepo) AppendFlow(ctx context.Context, flow *models.TransactionFlow) error {
	return m.Called(ctx, flow).Error(0)
}

func (m *mockTransactionRepo) FlowHistory(ctx context.Context, transactionID int64) ([]models.TransactionFlow, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.TransactionFlow), args.Error(1)
}

func (m *mockTransactionRepo) ListEscalated(ctx context.Context) ([]models.Transaction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) ListForUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) CountFlagged(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransactionRepo) CountHighValue(ctx context.Context, threshold decimal.Decimal) (int64, error) {
	args := m.Called(ctx, threshold)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransactionRepo) ExistingEventKeys(ctx context.Context, eventKeys []string) (map[string]struct{}, error) {
	args := m.Called(ctx, eventKeys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *mockUserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *mockUserRepo) TouchActivity(ctx context.Context, userID int64, status string) error {
	return m.Called(ctx, userID, status).Error(0)
}

type mockPermissionRepo struct {
	mock.Mock
}

func (m *mockPermissionRepo) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockPermissionRepo) SyncUserPermissions(ctx context.Context, userID, roleID int64) error {
	return m.Called(ctx, userID, roleID).Error(0)
}

// fakeProducer records sent messages and signals on a channel so tests can
// wait for the async flow event without sleeping.
type fakeProducer struct {
	mu     sync.Mutex
	sent   []string
	notify chan struct{}
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{notify: make(chan struct{}, 16)}
}

func (p *fakeProducer) Send(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, topic+"/"+key)
	p.mu.Unlock()
	p.notify <- struct{}{}
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// fakeRedis is an in-memory stand-in for the redis client.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}}
}

func (r *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, ok := r.data[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return val, nil
}

func (r *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch v := value.(type) {
	case string:
		r.data[key] = v
	case []byte:
		r.data[key] = string(v)
	}
	return nil
}

func (r *fakeRedis) Del(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func (r *fakeRedis) Close() error { return nil }
