package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server          ServerConfig
	Database        DatabaseConfig
	JWT             JWTConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	Cloudinary      CloudinaryConfig
	Firebase        FirebaseConfig
	Payment         PaymentConfig
	RedirectGateway RedirectGatewayConfig
	OAuthGateway    OAuthGatewayConfig
	BankTransfer    BankTransferConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimit      float64 // requests per second per client IP
	RateLimitBurst int
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
	Issuer       string
}

type RedisConfig struct {
	URL string
}

// KafkaConfig: publishing is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
}

type FirebaseConfig struct {
	ServiceAccountPath string
}

type PaymentConfig struct {
	PendingTimeout time.Duration // pending transactions older than this are cancelled
	SweepInterval  time.Duration
	HTTPTimeout    time.Duration // per outbound gateway call
	RetryAttempts  int
	RetryBaseDelay time.Duration
	PublicBaseURL  string // e.g. https://api.example.com - callbacks are PublicBaseURL + /api/v1/transactions/callback/{method}
	FrontendURL    string // where users land after a redirect gateway
}

// RedirectGatewayConfig for the signed-redirect bank gateway (vnp_* protocol).
type RedirectGatewayConfig struct {
	TmnCode     string
	HashSecret  string
	PayURL      string
	BankListURL string
	Version     string
	Locale      string
	BankListTTL time.Duration
}

// OAuthGatewayConfig for the order/approve/capture wallet gateway.
type OAuthGatewayConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	BrandName    string
	TokenMargin  time.Duration // refresh the cached token this long before it expires
}

// BankTransferConfig for manual proof-of-transfer payments.
type BankTransferConfig struct {
	BankName        string
	AccountNumber   string
	AccountHolder   string
	QRPublicID      string // Cloudinary public id of the static QR image
	ReferencePrefix string
	// AllowSelfConfirm accepts a user's re-submitted reference code as proof of payment.
	// Low-trust: there is no bank-side check behind it.
	AllowSelfConfirm bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8099"),
			Env:            getEnv("APP_ENV", "development"),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RateLimit:      getFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst: getInt("RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			DSN:             getEnv("DATABASE_DSN", "edupay:edupay@tcp(localhost:3306)/edupay?charset=utf8mb4&parseTime=True&loc=UTC"),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: time.Hour,
		},
		JWT: JWTConfig{
			AccessSecret: getEnv("JWT_ACCESS_SECRET", "change-me-in-production"),
			AccessExpiry: getDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:       getEnv("JWT_ISSUER", "edupay"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getEnv("KAFKA_BROKERS", "")),
			TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		},
		Cloudinary: CloudinaryConfig{
			CloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:    getEnv("CLOUDINARY_API_KEY", ""),
			APISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		},
		Firebase: FirebaseConfig{
			ServiceAccountPath: getEnv("FIREBASE_SERVICE_ACCOUNT_PATH", ""),
		},
		Payment: PaymentConfig{
			PendingTimeout: getDuration("PAYMENT_PENDING_TIMEOUT", 30*time.Minute),
			SweepInterval:  getDuration("PAYMENT_SWEEP_INTERVAL", 5*time.Minute),
			HTTPTimeout:    getDuration("PAYMENT_HTTP_TIMEOUT", 15*time.Second),
			RetryAttempts:  getInt("PAYMENT_RETRY_ATTEMPTS", 3),
			RetryBaseDelay: getDuration("PAYMENT_RETRY_BASE_DELAY", 500*time.Millisecond),
			PublicBaseURL:  getEnv("PUBLIC_BASE_URL", "http://localhost:8099"),
			FrontendURL:    getEnv("FRONTEND_URL", "http://localhost:3000"),
		},
		RedirectGateway: RedirectGatewayConfig{
			TmnCode:     getEnv("VNP_TMN_CODE", ""),
			HashSecret:  getEnv("VNP_HASH_SECRET", ""),
			PayURL:      getEnv("VNP_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			BankListURL: getEnv("VNP_BANK_LIST_URL", "https://sandbox.vnpayment.vn/qrpayauth/api/merchant/get_bank_list"),
			Version:     "2.1.0",
			Locale:      getEnv("VNP_LOCALE", "vn"),
			BankListTTL: time.Hour,
		},
		OAuthGateway: OAuthGatewayConfig{
			BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
			BrandName:    getEnv("PAYPAL_BRAND_NAME", "EduPay"),
			TokenMargin:  5 * time.Minute,
		},
		BankTransfer: BankTransferConfig{
			BankName:         getEnv("BANK_TRANSFER_BANK_NAME", ""),
			AccountNumber:    getEnv("BANK_TRANSFER_ACCOUNT_NUMBER", ""),
			AccountHolder:    getEnv("BANK_TRANSFER_ACCOUNT_HOLDER", ""),
			QRPublicID:       getEnv("BANK_TRANSFER_QR_PUBLIC_ID", ""),
			ReferencePrefix:  getEnv("BANK_TRANSFER_REFERENCE_PREFIX", "EDU"),
			AllowSelfConfirm: getBool("BANK_TRANSFER_ALLOW_SELF_CONFIRM", true),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
