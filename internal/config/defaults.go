package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.brokerbot",
		},
		Model: ModelConfig{
			Model:         "gpt-4o-mini",
			APIBase:       "https://api.openai.com/v1",
			MaxTokens:     4096,
			Temperature:   0.7,
			RatePerMinute: 30,
			RateBurst:     5,
		},
		Gateway: GatewayConfig{
			Host:               "127.0.0.1",
			Port:               7497,
			ClientID:           1,
			CallTimeoutSeconds: 10,
			ReadRetries:        2,
			MaxConcurrentReads: 4,
		},
		Memory: MemoryConfig{
			Enabled:                   true,
			DBPath:                    "~/.brokerbot/history.db",
			MaxHistoryPerConversation: 100,
		},
		Policy: PolicyConfig{
			// Permissive for small orders, but anything over the threshold
			// requires an explicit yes at the terminal.
			DefaultPolicy:        "allow",
			ConfirmNotionalAbove: 10000,
			PriceBandPct:         20,
			AuditLog:             true,
		},
		Limits: LimitsConfig{
			MaxOrderQuantity: 10000,
			MaxOrderNotional: 1000000,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9090",
			Endpoint: "/metrics",
		},
	}
}
