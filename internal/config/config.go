package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	OpenAIKey   string
	MetricsPort string
	WorkerCount int
	LogLevel    string
	LogFormat   string

	// Fetch guard
	RequestsPerMinute int
	PerSourceLimit    bool
	CacheTTL          time.Duration
	ProxyList         []string
	ChromeRemoteURL   string

	// Collection cycle
	Categories        []string
	Sources           []string
	ItemLimit         int
	ShopifyNiche      string
	ShopifyStores     []string
	ShopifyStoreLimit int
	ShopifyItemLimit  int
	SocialTags        []string
	SocialFeedURL     string
	PriceRefreshLimit int

	// Analytics
	ProfitCostRatio float64
	LowCostSource   string
	ResaleSource    string
	NameMatcher     string
	NamePrefixLen   int

	// Alerts
	AlertSuppression    string
	AlertSuppressionTTL time.Duration
	TelegramBotToken    string
	TelegramChatID      string
	SendGridAPIKey      string
	FromEmail           string
	ToEmail             string

	// Export
	ExportDir        string
	ExportS3Bucket   string
	ExportS3Region   string
	ExportS3Endpoint string
	AWSAccessKey     string
	AWSSecretKey     string
}

func Load() *Config {
	// .env at the repository root, then the working directory
	_ = godotenv.Load("../../.env")
	_ = godotenv.Load()
	return &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),
		WorkerCount: getEnvInt("WORKER_COUNT", 5),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),

		RequestsPerMinute: getEnvInt("REQUESTS_PER_MINUTE", 10),
		PerSourceLimit:    getEnvBool("RATE_LIMIT_PER_SOURCE", false),
		CacheTTL:          getEnvDuration("CACHE_TTL", 6*time.Hour),
		ProxyList:         getEnvList("PROXY_LIST", nil),
		ChromeRemoteURL:   os.Getenv("CHROME_REMOTE_URL"),

		Categories:        getEnvList("SCRAPE_CATEGORIES", []string{"electronics", "fashion", "home", "sports"}),
		Sources:           getEnvList("SCRAPE_SOURCES", []string{"amazon", "aliexpress", "ebay"}),
		ItemLimit:         getEnvInt("SCRAPE_ITEM_LIMIT", 25),
		ShopifyNiche:      getEnv("SHOPIFY_NICHE", "fashion"),
		ShopifyStores:     getEnvList("SHOPIFY_STORES", nil),
		ShopifyStoreLimit: getEnvInt("SHOPIFY_STORE_LIMIT", 3),
		ShopifyItemLimit:  getEnvInt("SHOPIFY_ITEM_LIMIT", 20),
		SocialTags:        getEnvList("SOCIAL_TAGS", nil),
		SocialFeedURL:     os.Getenv("SOCIAL_FEED_URL"),
		PriceRefreshLimit: getEnvInt("PRICE_REFRESH_LIMIT", 100),

		ProfitCostRatio: getEnvFloat("PROFIT_COST_RATIO", 0.45),
		LowCostSource:   getEnv("LOW_COST_SOURCE", "aliexpress"),
		ResaleSource:    getEnv("RESALE_SOURCE", "amazon"),
		NameMatcher:     getEnv("NAME_MATCHER", "prefix"),
		NamePrefixLen:   getEnvInt("NAME_PREFIX_LEN", 20),

		AlertSuppression:    getEnv("ALERT_SUPPRESSION", "off"), // off | until-resolved
		AlertSuppressionTTL: getEnvDuration("ALERT_SUPPRESSION_TTL", 7*24*time.Hour),
		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:      os.Getenv("TELEGRAM_CHAT_ID"),
		SendGridAPIKey:      os.Getenv("SENDGRID_API_KEY"),
		FromEmail:           os.Getenv("FROM_EMAIL"),
		ToEmail:             os.Getenv("TO_EMAIL"),

		ExportDir:        getEnv("EXPORT_DIR", "exports"),
		ExportS3Bucket:   os.Getenv("EXPORT_S3_BUCKET"),
		ExportS3Region:   getEnv("EXPORT_S3_REGION", "us-east-1"),
		ExportS3Endpoint: os.Getenv("EXPORT_S3_ENDPOINT"),
		AWSAccessKey:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getEnvInt(k string, d int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func getEnvFloat(k string, d float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil || v < 0 {
		return d
	}
	return v
}

func getEnvBool(k string, d bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return d
	}
	return v
}

func getEnvDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func getEnvList(k string, d []string) []string {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return d
	}
	return out
}
