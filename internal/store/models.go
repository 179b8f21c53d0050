package store

import (
	"time"
)

// Side of a position.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Trade actions.
const (
	ActionBuy   = "buy"
	ActionSell  = "sell"
	ActionClose = "close"
)

type User struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Username     string    `gorm:"column:username;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash"`
	IsAdmin      bool      `gorm:"column:is_admin"`
	WebhookToken string    `gorm:"column:webhook_token;uniqueIndex;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (User) TableName() string { return "users" }

// Credential stores one encrypted API key pair per (user, exchange).
type Credential struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:user_id;index:idx_cred_user_exchange,unique,priority:1;not null"`
	ExchangeName string    `gorm:"column:exchange_name;index:idx_cred_user_exchange,unique,priority:2;not null"`
	APIKeyEnc    string    `gorm:"column:encrypted_api_key;type:TEXT"`
	APISecretEnc string    `gorm:"column:encrypted_api_secret;type:TEXT"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (Credential) TableName() string { return "api_credentials" }

// Position is the aggregate open exposure for one (user, symbol). At most one
// open row per (user, symbol) exists at any time; the ledger enforces it.
type Position struct {
	ID         string    `gorm:"column:id;primaryKey"`
	UserID     string    `gorm:"column:user_id;index:idx_pos_user_symbol;not null"`
	Symbol     string    `gorm:"column:symbol;index:idx_pos_user_symbol;not null"`
	Exchange   string    `gorm:"column:exchange;not null"`
	Side       string    `gorm:"column:side;not null"`
	EntryPrice float64   `gorm:"column:entry_price;not null"`
	Size       float64   `gorm:"column:size;not null"`
	IsOpen     bool      `gorm:"column:is_open;index"`
	OpenedAt   time.Time `gorm:"column:opened_at"`

	InitialSize       float64 `gorm:"column:initial_size"`
	HighestPrice      float64 `gorm:"column:highest_price"`
	StopLossPrice     float64 `gorm:"column:stop_loss_price"`
	TakeProfitPrice   float64 `gorm:"column:take_profit_price"`
	TrailingStopPrice float64 `gorm:"column:trailing_stop_price"`

	ExitPrice float64 `gorm:"column:exit_price"`
	PnL       float64 `gorm:"column:pnl"`
	ClosedAt  int64   `gorm:"column:closed_at"`
}

func (Position) TableName() string { return "positions" }

// Trade is the append-only audit record of one execution attempt. Rows are
// never updated after insert.
type Trade struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:user_id;index;not null"`
	Timestamp    time.Time `gorm:"column:timestamp;index"`
	Action       string    `gorm:"column:action;not null"`
	Symbol       string    `gorm:"column:symbol;not null"`
	Price        float64   `gorm:"column:price;not null"`
	Size         float64   `gorm:"column:size;not null"`
	Exchange     string    `gorm:"column:exchange;not null"`
	Result       string    `gorm:"column:result;not null"`
	OrderID      string    `gorm:"column:order_id"`
	PnL          float64   `gorm:"column:pnl"`
	Fees         float64   `gorm:"column:fees"`
	IsPaperTrade bool      `gorm:"column:is_paper_trade"`
}

func (Trade) TableName() string { return "trades" }

// LogEntry is the per-user diagnostic trail. Write-only from the engine's
// perspective; read back only by the UI/observability layer.
type LogEntry struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;index;not null"`
	Timestamp time.Time `gorm:"column:timestamp"`
	Level     string    `gorm:"column:level;not null"`
	Message   string    `gorm:"column:message;type:TEXT;not null"`
	Data      string    `gorm:"column:data;type:TEXT"`
}

func (LogEntry) TableName() string { return "logs" }

// Settings is per-user configuration. It is read fresh at every decision point
// so toggles take effect on the next signal; callers must not cache it.
type Settings struct {
	ID                  string  `gorm:"column:id;primaryKey"`
	UserID              string  `gorm:"column:user_id;uniqueIndex;not null"`
	AutoTradingEnabled  bool    `gorm:"column:auto_trading_enabled"`
	TradingMode         string  `gorm:"column:trading_mode"`
	Slippage            float64 `gorm:"column:slippage"`
	StopLossPercent     float64 `gorm:"column:stop_loss_percent"`
	TakeProfitPercent   float64 `gorm:"column:take_profit_percent"`
	DefaultPositionSize float64 `gorm:"column:default_position_size"`

	PaperTradingEnabled bool    `gorm:"column:paper_trading_enabled"`
	TrailingStopEnabled bool    `gorm:"column:trailing_stop_enabled"`
	TrailingStopPercent float64 `gorm:"column:trailing_stop_percent"`
	EnableNotifications bool    `gorm:"column:enable_notifications"`
	NotificationEmail   string  `gorm:"column:notification_email"`
	TieredTPEnabled     bool    `gorm:"column:tiered_tp_enabled"`
	TieredTPLevels      string  `gorm:"column:tiered_tp_levels;type:TEXT"`
}

func (Settings) TableName() string { return "settings" }

// WebhookEvent audits every inbound signal before it is turned into a job.
type WebhookEvent struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;index;not null"`
	Timestamp time.Time `gorm:"column:timestamp"`
	Action    string    `gorm:"column:action;not null"`
	Symbol    string    `gorm:"column:symbol;not null"`
	Price     string    `gorm:"column:price"`
	Processed bool      `gorm:"column:processed"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// HealthSnapshot is one row per health-check tick.
type HealthSnapshot struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Timestamp     time.Time `gorm:"column:timestamp"`
	ActiveUsers   int64     `gorm:"column:active_users"`
	Trades24h     int64     `gorm:"column:trades_24h"`
	OpenPositions int64     `gorm:"column:open_positions"`
}

func (HealthSnapshot) TableName() string { return "system_health" }
