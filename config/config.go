package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	Partner   PartnerConfig   `yaml:"partner"`
	Notify    NotifyConfig    `yaml:"notify"`
	Relay     RelayConfig     `yaml:"relay"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Engine    EngineConfig    `yaml:"engine"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	Username string `yaml:"username" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSL_MODE"`
}

// DSN собирает строку подключения для pgxpool.
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type KafkaConfig struct {
	Host               string `yaml:"host" env:"KAFKA_HOST"`
	Port               int    `yaml:"port" env:"KAFKA_PORT"`
	OrderInsertedTopic string `yaml:"order_inserted_topic" env:"KAFKA_ORDER_INSERTED_TOPIC"`
	ConsumerGroup      string `yaml:"consumer_group" env:"KAFKA_CONSUMER_GROUP"`
}

func (c KafkaConfig) Brokers() []string {
	return []string{net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
}

type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type APIConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"API_HTTP_ADDR"`
}

type WorkerConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"WORKER_HTTP_ADDR"`
}

type CarrierConfig struct {
	Mode           string `yaml:"mode" env:"CARRIER_MODE"` // "http" | "fake"
	BaseURL        string `yaml:"base_url" env:"CARRIER_BASE_URL"`
	APIKey         string `yaml:"api_key" env:"CARRIER_API_KEY"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type PartnerConfig struct {
	BaseURL         string `yaml:"base_url" env:"PARTNER_BASE_URL"`
	Username        string `yaml:"username" env:"PARTNER_USERNAME"`
	Password        string `yaml:"password" env:"PARTNER_PASSWORD"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// Enabled: без base_url партнёрский API не вызывается, вехи сразу уходят в dead.
func (c PartnerConfig) Enabled() bool {
	return c.BaseURL != ""
}

// MaintenanceConfig задаёт окно обслуживания. Weekday по-английски, start и end в формате "HH:MM" в timezone.
type MaintenanceConfig struct {
	Weekday  string `yaml:"weekday"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

type NotifyConfig struct {
	BaseURL        string `yaml:"base_url" env:"NOTIFY_BASE_URL"`
	Token          string `yaml:"token" env:"NOTIFY_TOKEN"`
	CountryCode    string `yaml:"country_code"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c NotifyConfig) Enabled() bool {
	return c.BaseURL != ""
}

type RelayConfig struct {
	PollIntervalSeconds int   `yaml:"poll_interval_seconds"`
	BatchSize           int   `yaml:"batch_size"`
	Concurrency         int   `yaml:"concurrency"`
	LeaseSeconds        int   `yaml:"lease_seconds"`
	CallTimeoutSeconds  int   `yaml:"call_timeout_seconds"`
	RateLimitPerMinute  int64 `yaml:"rate_limit_per_minute"`

	Backoff1Seconds int   `yaml:"backoff_1_seconds"`
	Backoff2Seconds int   `yaml:"backoff_2_seconds"`
	Backoff3Seconds int   `yaml:"backoff_3_seconds"`
	Backoff4Seconds int   `yaml:"backoff_4_seconds"`
	MaxAttempts     int32 `yaml:"max_attempts"`
}

type SequencerConfig struct {
	QueueSize            int    `yaml:"queue_size"`
	BackfillSchedule     string `yaml:"backfill_schedule"`
	BackfillGraceSeconds int    `yaml:"backfill_grace_seconds"`
	BackfillLimit        int    `yaml:"backfill_limit"`
}

type EngineConfig struct {
	Concurrency        int    `yaml:"concurrency"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
	UnattemptedReason  string `yaml:"unattempted_reason"`
}

// LoadConfig читает YAML, поверх накладывает переменные окружения и проставляет значения по умолчанию.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	config.ApplyDefaults()
	if _, err := config.Partner.Maintenance.Window(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) ApplyDefaults() {
	setString(&c.Database.Host, "localhost")
	setInt(&c.Database.Port, 5432)
	setString(&c.Database.SSLMode, "disable")

	setString(&c.Kafka.Host, "localhost")
	setInt(&c.Kafka.Port, 9092)
	setString(&c.Kafka.OrderInsertedTopic, "order.inserted")
	setString(&c.Kafka.ConsumerGroup, "order-sequencer")

	setString(&c.Redis.Host, "localhost")
	setInt(&c.Redis.Port, 6379)

	setString(&c.API.HTTPAddr, ":8080")
	setString(&c.Worker.HTTPAddr, ":8081")

	setString(&c.Carrier.Mode, "http")
	setInt(&c.Carrier.TimeoutSeconds, 10)

	setInt(&c.Partner.TimeoutSeconds, 15)
	setInt(&c.Partner.TokenTTLSeconds, 3000)
	setString(&c.Partner.Maintenance.Timezone, "Asia/Brunei")

	setString(&c.Notify.CountryCode, "673")
	setInt(&c.Notify.TimeoutSeconds, 10)

	setInt(&c.Relay.PollIntervalSeconds, 2)
	setInt(&c.Relay.BatchSize, 100)
	setInt(&c.Relay.Concurrency, 10)
	setInt(&c.Relay.LeaseSeconds, 120)
	setInt(&c.Relay.CallTimeoutSeconds, 15)
	if c.Relay.RateLimitPerMinute <= 0 {
		c.Relay.RateLimitPerMinute = 120
	}
	setInt(&c.Relay.Backoff1Seconds, 5*60)
	setInt(&c.Relay.Backoff2Seconds, 15*60)
	setInt(&c.Relay.Backoff3Seconds, 30*60)
	setInt(&c.Relay.Backoff4Seconds, 60*60)
	if c.Relay.MaxAttempts <= 0 {
		c.Relay.MaxAttempts = 12
	}

	setInt(&c.Sequencer.QueueSize, 256)
	setString(&c.Sequencer.BackfillSchedule, "@every 1m")
	setInt(&c.Sequencer.BackfillGraceSeconds, 30)
	setInt(&c.Sequencer.BackfillLimit, 100)

	setInt(&c.Engine.Concurrency, 1)
	setInt(&c.Engine.CallTimeoutSeconds, 10)
	setString(&c.Engine.UnattemptedReason, "Unattempted")
}

// Window разбирает окно обслуживания партнёра; пустой weekday: окна нет.
func (m MaintenanceConfig) Window() (partner.MaintenanceWindow, error) {
	if strings.TrimSpace(m.Weekday) == "" {
		return partner.MaintenanceWindow{}, nil
	}
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(m.Weekday))]
	if !ok {
		return partner.MaintenanceWindow{}, fmt.Errorf("partner maintenance: unknown weekday %q", m.Weekday)
	}
	start, err := clock(m.Start)
	if err != nil {
		return partner.MaintenanceWindow{}, fmt.Errorf("partner maintenance start: %w", err)
	}
	end, err := clock(m.End)
	if err != nil {
		return partner.MaintenanceWindow{}, fmt.Errorf("partner maintenance end: %w", err)
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return partner.MaintenanceWindow{}, fmt.Errorf("partner maintenance timezone: %w", err)
	}
	return partner.MaintenanceWindow{Weekday: day, Start: start, End: end, Location: loc}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Seconds переводит целое число секунд из конфига в time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func setString(v *string, def string) {
	if strings.TrimSpace(*v) == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
