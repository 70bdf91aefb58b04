package config

type App struct {
	Port        string `envconfig:"APP_PORT" default:"8080"`
	Env         string `envconfig:"APP_ENV" default:"dev"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	JWTSecret   string `envconfig:"JWT_SECRET" required:"true"`

	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`
	FrontendOrigin      string `envconfig:"FRONTEND_ORIGIN" default:"http://localhost:3000"`

	RedisAddr    string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	AmqpURL      string `envconfig:"AMQP_URL" default:""`
	AmqpExchange string `envconfig:"AMQP_EXCHANGE" default:"workover.events"`

	OtelEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`

	// Basis points: 500 = 5%, 2200 = 22%.
	ServiceFeeBps int64  `envconfig:"SERVICE_FEE_BPS" default:"500"`
	VatBps        int64  `envconfig:"VAT_BPS" default:"2200"`
	Currency      string `envconfig:"CURRENCY" default:"EUR"`

	HoldMinutes       int `envconfig:"HOLD_MINUTES" default:"15"`
	CreditNoteDays    int `envconfig:"CREDIT_NOTE_DAYS" default:"7"`
	ReconcileGraceMin int `envconfig:"RECONCILE_GRACE_MIN" default:"30"`
	HoldSweepMinutes  int `envconfig:"HOLD_SWEEP_MINUTES" default:"5"`

	// Payment-session attempts per requester per rolling window.
	PaySessionLimit     int `envconfig:"PAY_SESSION_LIMIT" default:"5"`
	PaySessionWindowSec int `envconfig:"PAY_SESSION_WINDOW_SEC" default:"60"`
}
