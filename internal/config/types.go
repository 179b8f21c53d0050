package config

type Config struct {
	App     AppConfig     `toml:"app"`
	Vault   VaultConfig   `toml:"vault"`
	Worker  WorkerConfig  `toml:"worker"`
	Monitor MonitorConfig `toml:"monitor"`
	Health  HealthConfig  `toml:"health"`
	Notify  NotifyConfig  `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
	DBPath   string `toml:"db_path"`
}

type VaultConfig struct {
	// MasterKey encrypts stored exchange credentials. Required; there is no
	// plaintext fallback.
	MasterKey string `toml:"master_key"`
}

type WorkerConfig struct {
	Count      int `toml:"count"`
	QueueDepth int `toml:"queue_depth"`
}

type MonitorConfig struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	TickTimeoutSeconds int `toml:"tick_timeout_seconds"`
}

type HealthConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
}

type NotifyConfig struct {
	SMTP     SMTPConfig     `toml:"smtp"`
	Telegram TelegramConfig `toml:"telegram"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}
