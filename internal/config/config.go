package config

import "github.com/spf13/viper"

type Config struct {
	App struct {
		Env      string
		Timezone string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Postgres struct {
		DSN string
	} `mapstructure:"postgres"`

	Redis struct {
		Addr     string
		Password string
		DB       int
	} `mapstructure:"redis"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Identity struct {
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"identity"`

	Stripe struct {
		SecretKey     string `mapstructure:"secret_key"`
		WebhookSecret string `mapstructure:"webhook_secret"`
	} `mapstructure:"stripe"`

	Telegram struct {
		Token       string
		AdminChatID int64 `mapstructure:"admin_chat_id"`
	} `mapstructure:"telegram"`

	Credits struct {
		LowBalanceThreshold float64  `mapstructure:"low_balance_threshold"`
		Admins              []string `mapstructure:"admins"`
	} `mapstructure:"credits"`

	Pricing struct {
		// EUR per 1k tokens, keyed by model id.
		Models  map[string]ModelPrice `mapstructure:"models"`
		Default ModelPrice            `mapstructure:"default"`
	} `mapstructure:"pricing"`

	RateLimit struct {
		Tiers map[string]TierConfig `mapstructure:"tiers"`
		// model id -> tier name; unknown models fall back to Default.
		Models  map[string]string `mapstructure:"models"`
		Default string            `mapstructure:"default"`
	} `mapstructure:"ratelimit"`
}

type ModelPrice struct {
	Prompt     float64 `mapstructure:"prompt"`
	Completion float64 `mapstructure:"completion"`
}

type TierConfig struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MIFA")
	v.AutomaticEnv()

	var c Config
	if err := v.ReadInConfig(); err != nil {
		return c, err
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}
