package config

import "time"

func Defaults() *Config {
	return &Config{
		Backend:             BackendUser,
		WebhookTimeout:      10 * time.Second,
		SessionPath:         "sessions/telegram_session.db",
		LogFile:             "logs/tgrelay.log",
		LogLevel:            "info",
		LogFormat:           "text",
		HealthAddr:          ":8000",
		MetricsEnabled:      true,
		DispatchMode:        DispatchOrdered,
		DispatchConcurrency: 4,
		DispatchQueueSize:   256,
		ShutdownTimeout:     10 * time.Second,
	}
}
