package config

import "time"

// DefaultFallbackMessage is sent when the answer service cannot be reached.
const DefaultFallbackMessage = "AI servisine ulaşamadım. Birazdan tekrar dene."

func Defaults() *Config {
	return &Config{
		Answer: AnswerConfig{
			URL:             "http://127.0.0.1:8000",
			Secret:          "hello",
			Timeout:         20 * time.Second,
			FallbackMessage: DefaultFallbackMessage,
		},
		Relay: RelayConfig{
			TriggerPrefix: "!ask",
			IgnoreFromMe:  true,
			IgnoreStatus:  true,
			BusBuffer:     100,
		},
		WhatsApp: WhatsAppConfig{
			Mode:      ModeWeb,
			StorePath: "~/.wabridge/whatsapp.db",
			LogLevel:  "warn",
			Cloud: CloudConfig{
				APIBase:     "https://graph.facebook.com/v21.0",
				ListenAddr:  ":8090",
				WebhookPath: "/webhook/whatsapp",
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}
