package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/wallet-scheduler/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientFunds is returned when account balance is not enough.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned when no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTransactionNotFound is returned when no transaction matches the lookup.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInvalidTransaction is returned when a new transaction breaks the kind/execute_at rules.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	GetAccountByUUID(ctx context.Context, tx *gorm.DB, uuid string) (*model.Account, error)
	GetAccountForUpdate(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error)
	GetAccountByUUIDForUpdate(ctx context.Context, tx *gorm.DB, uuid string) (*model.Account, error)
	Credit(ctx context.Context, tx *gorm.DB, accountID uint64, amount int64) (int64, error)
	Debit(ctx context.Context, tx *gorm.DB, accountID uint64, amount int64) (int64, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction, now time.Time) error
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, txnID uint64) (*model.Transaction, error)
	GetTransactionByReference(ctx context.Context, tx *gorm.DB, reference string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, accountID uint64) ([]model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, t *model.Transaction, to model.Status, fields map[string]interface{}) error
	FetchDueWithdrawalIDs(ctx context.Context, now time.Time, limit int) ([]uint64, error)
	FetchStaleProcessingIDs(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, accountUUID string, bal int64) error
	FillBalance(ctx context.Context, accountUUID string, bal int64) (bool, error)
	GetCachedBalance(ctx context.Context, accountUUID string) (int64, error)
	InvalidateBalance(ctx context.Context, accountUUID string) error
}

// MessageWriter is the subset of *kafka.Writer used to publish outbox events.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer MessageWriter
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w MessageWriter, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Account{}, &model.Transaction{}, &model.OutboxEvent{})
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
