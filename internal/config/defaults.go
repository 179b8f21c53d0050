package config

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9980"
	defaultWorkerCount     = 4
	defaultQueueDepth      = 256
	defaultMonitorInterval = 30 // seconds; trailing-stop cadence contract
	defaultTickTimeout     = 10 // seconds per position exchange call
	defaultHealthInterval  = 5  // minutes
	defaultSMTPPort        = 587
)

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultAppEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = defaultAppHTTPAddr
	}
	if c.Worker.Count <= 0 {
		c.Worker.Count = defaultWorkerCount
	}
	if c.Worker.QueueDepth <= 0 {
		c.Worker.QueueDepth = defaultQueueDepth
	}
	if c.Monitor.IntervalSeconds <= 0 {
		c.Monitor.IntervalSeconds = defaultMonitorInterval
	}
	if c.Monitor.TickTimeoutSeconds <= 0 {
		c.Monitor.TickTimeoutSeconds = defaultTickTimeout
	}
	if c.Health.IntervalMinutes <= 0 {
		c.Health.IntervalMinutes = defaultHealthInterval
	}
	if c.Notify.SMTP.Port <= 0 {
		c.Notify.SMTP.Port = defaultSMTPPort
	}
}
