package config

import "time"

type Config struct {
	Environment  Environment
	Log          Log
	HTTP         HTTPServer
	BaseURL      string `env:"BASE_URL"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"shop.db"`

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`

	Bot         Bot         `envPrefix:"BOT_"`
	YooKassa    YooKassa    `envPrefix:"YOOKASSA_"`
	CryptoBot   CryptoBot   `envPrefix:"CRYPTOBOT_"`
	Heleket     Heleket     `envPrefix:"HELEKET_"`
	TonAPI      TonAPI      `envPrefix:"TON_"`
	Referral    Referral    `envPrefix:"REFERRAL_"`
	Fulfillment Fulfillment `envPrefix:"FULFILLMENT_"`
	Sweep       Sweep       `envPrefix:"SWEEP_"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

type Bot struct {
	Token string `env:"TOKEN"`
}

type YooKassa struct {
	ShopID    string `env:"SHOP_ID"`
	SecretKey string `env:"SECRET_KEY"`
}

type CryptoBot struct {
	Token string `env:"TOKEN"`
}

type Heleket struct {
	MerchantID string `env:"MERCHANT_ID"`
	APIKey     string `env:"API_KEY"`
}

type TonAPI struct {
	Wallet string `env:"WALLET"`
}

type Referral struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// RewardType selects the credit rule: percent_purchase, fixed_purchase
	// or fixed_signup.
	RewardType    string `env:"REWARD_TYPE" envDefault:"percent_purchase"`
	Percent       string `env:"PERCENT" envDefault:"10"`
	FixedAmount   string `env:"FIXED_AMOUNT" envDefault:"50"`
	SignupBonus   string `env:"SIGNUP_BONUS" envDefault:"20"`
	MinWithdrawal string `env:"MIN_WITHDRAWAL" envDefault:"0"`
	// ReferredDiscountPercent is an optional discount for referred buyers,
	// applied at order creation when non-zero.
	ReferredDiscountPercent string `env:"REFERRED_DISCOUNT_PERCENT" envDefault:"0"`
}

type Fulfillment struct {
	// AmountTolerance is the absolute difference between expected and
	// received amounts still accepted as a match.
	AmountTolerance string        `env:"AMOUNT_TOLERANCE" envDefault:"0.01"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE" envDefault:"30s"`
	BackoffCap      time.Duration `env:"BACKOFF_CAP" envDefault:"30m"`
	// OrderTTL is how long an unpaid order waits before expiry.
	OrderTTL     time.Duration `env:"ORDER_TTL" envDefault:"1h"`
	PanelTimeout time.Duration `env:"PANEL_TIMEOUT" envDefault:"30s"`
}

type Sweep struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"5m"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"50"`
}
