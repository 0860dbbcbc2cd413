package config

import (
	"encoding/json"
	"fmt"
)

// GetByPath retrieves a config value by its file key (e.g. "webhook_url").
func GetByPath(cfg *Config, key string) (any, error) {
	m := ListPaths(cfg)
	if m == nil {
		return nil, fmt.Errorf("cannot render config")
	}
	val, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, nil
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	copy := *cfg

	if copy.APIHash != "" {
		copy.APIHash = maskString(copy.APIHash)
	}
	if copy.BotToken != "" {
		copy.BotToken = maskString(copy.BotToken)
	}
	if copy.WebhookSecret != "" {
		copy.WebhookSecret = "***"
	}
	if copy.Phone != "" {
		copy.Phone = maskString(copy.Phone)
	}
	return &copy
}

// ListPaths returns every config key with its (sanitized) value.
// Durations are rendered as strings.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(Sanitize(cfg))
	if err != nil {
		return nil
	}
	m["webhook_timeout"] = cfg.WebhookTimeout.String()
	m["dispatch_enqueue_timeout"] = cfg.DispatchEnqueueTimeout.String()
	m["shutdown_timeout"] = cfg.ShutdownTimeout.String()
	return m
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
