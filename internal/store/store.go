// Package store owns the durable records of the engine: users, credentials,
// positions, trades, logs, settings and health snapshots, persisted through
// Gorm on SQLite (WAL).
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"signaltrader/internal/logger"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrUserNotFound is returned by user lookups when no row matches. It is a
// terminal error for the executor: never retried.
var ErrUserNotFound = errors.New("user not found")

type Store struct {
	db *gorm.DB
}

// Open initializes the SQLite database at path and migrates the schema.
// An empty path is rejected; ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path cannot be empty")
	}
	var dsn string
	if path == ":memory:" {
		// A plain :memory: DSN gives every pooled connection its own empty
		// database. Name the database and share the cache so both pool
		// connections see one schema, while distinct Opens stay isolated.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	} else {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&User{},
		&Credential{},
		&Position{},
		&Trade{},
		&LogEntry{},
		&Settings{},
		&WebhookEvent{},
		&HealthSnapshot{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; keep the pool small so lock contention stays low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for the ledger's transactional work.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// ---------------------------- users ----------------------------

func (s *Store) CreateUser(ctx context.Context, username string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		WebhookToken: uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByWebhookToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("webhook_token = ?", token).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ---------------------------- settings ----------------------------

// GetSettings returns the user's settings, creating the default row on first
// access. Callers read it fresh at every decision point; never cache.
func (s *Store) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	var st Settings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st = defaultSettings(userID)
		if err := s.db.WithContext(ctx).Create(&st).Error; err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st *Settings) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(st).Error
}

func defaultSettings(userID string) Settings {
	return Settings{
		ID:                  uuid.NewString(),
		UserID:              userID,
		TradingMode:         "market",
		Slippage:            0.5,
		StopLossPercent:     2.0,
		TakeProfitPercent:   5.0,
		DefaultPositionSize: 100.0,
		TrailingStopPercent: 1.0,
	}
}

// UsersWithTrailingStop lists users whose settings enable trailing stops.
func (s *Store) UsersWithTrailingStop(ctx context.Context) ([]Settings, error) {
	var rows []Settings
	err := s.db.WithContext(ctx).Where("trailing_stop_enabled = ?", true).Find(&rows).Error
	return rows, err
}

// ---------------------------- trades and logs ----------------------------

// AppendTrade inserts one immutable trade row. The executor calls this for
// every attempt outcome that must leave an audit record.
func (s *Store) AppendTrade(ctx context.Context, tr *Trade) error {
	NormalizeTrade(tr)
	return s.db.WithContext(ctx).Create(tr).Error
}

// NormalizeTrade fills the id and timestamp of a trade row before insert.
// The ledger uses it when appending trades inside its own transactions.
func NormalizeTrade(tr *Trade) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}
}

func (s *Store) AppendLog(ctx context.Context, userID, level, message, data string) {
	entry := LogEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Data:      data,
	}
	// The log trail is best effort; a failed insert must not fail the caller.
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		logger.Warnf("store: log append failed for user %s: %v", userID, err)
	}
}

func (s *Store) AppendWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(ev).Error
}

// ---------------------------- positions (read side) ----------------------------

func (s *Store) OpenPositionsForUser(ctx context.Context, userID string) ([]Position, error) {
	var rows []Position
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_open = ?", userID, true).
		Find(&rows).Error
	return rows, err
}

func (s *Store) SavePosition(ctx context.Context, p *Position) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// ---------------------------- health aggregates ----------------------------

func (s *Store) CountActiveUsers(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("timestamp >= ?", since).
		Distinct("user_id").
		Count(&n).Error
	return n, err
}

func (s *Store) CountTrades(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("timestamp >= ?", since).
		Count(&n).Error
	return n, err
}

func (s *Store) CountOpenPositions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Position{}).
		Where("is_open = ?", true).
		Count(&n).Error
	return n, err
}

func (s *Store) SaveHealthSnapshot(ctx context.Context, snap *HealthSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(snap).Error
}

// ---------------------------- credentials ----------------------------

func (s *Store) GetCredential(ctx context.Context, userID, exchangeName string) (*Credential, error) {
	var c Credential
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND exchange_name = ?", userID, exchangeName).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SaveCredential(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(c).Error
}
