package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Scorecard ScorecardConfig `mapstructure:"scorecard"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AdminToken закрывает привилегированные роуты (kill-switch, exemptions, resets)
	AdminToken string `mapstructure:"admin_token"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub для политик).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// AuditConfig — буферизация журнала и подпись экспортов.
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SignExports   bool          `mapstructure:"sign_exports"`
	SigningKey    string        `mapstructure:"signing_key"` // HMAC-ключ, env: AUDIT_SIGNING_KEY
}

// RegistryConfig — путь к каталогу capability.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// ConnectorConfig — настройки надежности внешних вызовов.
type ConnectorConfig struct {
	// Endpoints: id коннектора -> gRPC адрес удаленной системы
	Endpoints map[string]string `mapstructure:"endpoints"`
	// ReadOnly: коннекторы, которым запрещены мутации на уровне границы
	ReadOnly []string `mapstructure:"read_only"`

	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`

	// Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

// ScorecardConfig — интервалы и пороги SLO.
type ScorecardConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	HealthyThreshold float64       `mapstructure:"healthy_threshold"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Ключи: сначала PEM напрямую из ENV (Docker/K8s), иначе файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate — fail-closed на старте, а не в момент вызова.
func (c *Config) Validate() error {
	if c.Audit.SignExports && c.Audit.SigningKey == "" {
		return errors.New("audit.sign_exports is enabled but audit.signing_key is empty")
	}
	if c.Server.AdminToken == "" {
		return errors.New("server.admin_token is required for privileged routes")
	}
	if len(c.Auth.PublicKey) == 0 {
		return errors.New("auth public key is not configured")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("registry.path", "configs/capabilities.yaml")
	v.SetDefault("connector.call_timeout", 10*time.Second)
	v.SetDefault("connector.probe_interval", 30*time.Second)
	v.SetDefault("connector.probe_timeout", 3*time.Second)
	v.SetDefault("connector.cb_max_requests", 3)
	v.SetDefault("connector.cb_interval", 5*time.Second)
	v.SetDefault("connector.cb_timeout", 30*time.Second)
	v.SetDefault("connector.cb_failures", 5)
	v.SetDefault("scorecard.interval", 5*time.Minute)
	v.SetDefault("scorecard.healthy_threshold", 0.95)
}

// loadKeyResource — ключ из ENV или файла по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
