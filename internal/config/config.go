package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"postmailer/internal/apperrors"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

const masked = "******"

type Config struct {
	App      `yaml:"app"`
	Logger   `yaml:"log"`
	Database `yaml:"database"`
	Redis    `yaml:"redis"`
	Mailer   `yaml:"mailer"`
	Renderer `yaml:"renderer"`
	Pipeline `yaml:"pipeline"`
	Metrics  `yaml:"metrics"`
}

type App struct {
	ServiceName string `yaml:"service_name" env-default:"postmailer"`
	Version     string `yaml:"version" env-default:"dev"`
}

type Logger struct {
	Level      string   `yaml:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	FormatJSON bool     `yaml:"format_json" env:"LOG_FORMAT_JSON"`
	Rotation   Rotation `yaml:"rotation"`
}

type Rotation struct {
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size" env-default:"10"`
	MaxBackups int    `yaml:"max_backups" env-default:"3"`
	MaxAge     int    `yaml:"max_age" env-default:"7"`
}

type Database struct {
	Host      string    `yaml:"host" env:"DATABASE_HOST" validate:"required"`
	Port      uint16    `yaml:"port" env:"DATABASE_PORT" env-default:"5432" validate:"required"`
	User      string    `yaml:"user" env:"DATABASE_USER" validate:"required"`
	Password  string    `yaml:"password" env:"DATABASE_PASSWORD"`
	Name      string    `yaml:"name" env:"DATABASE_NAME" validate:"required"`
	SSLMode   string    `yaml:"ssl_mode" env:"DATABASE_SSL_MODE" env-default:"disable" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns  int32     `yaml:"max_conns" env-default:"4"`
	MinConns  int32     `yaml:"min_conns" env-default:"1"`
	Migration Migration `yaml:"migration"`
	// Credentials is a JSON blob ({"host","port","user","password","name","ssl_mode"})
	// that overrides the fields above when present.
	Credentials string `yaml:"credentials" env:"STORE_CREDENTIALS"`
}

type Migration struct {
	AutoApply bool `yaml:"auto_apply" env:"DATABASE_MIGRATE"`
}

type Redis struct {
	Enable   bool          `yaml:"enable" env:"REDIS_ENABLE"`
	Host     string        `yaml:"host" env:"REDIS_HOST" validate:"required_if=Enable true"`
	Port     uint16        `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockKey  string        `yaml:"lock_key" env-default:"postmailer:run-lock"`
	LockTTL  time.Duration `yaml:"lock_ttl" env-default:"15m"`
}

type Mailer struct {
	Host               string `yaml:"host" env:"SMTP_HOST" validate:"required,hostname_rfc1123|ip"`
	Port               int    `yaml:"port" env:"SMTP_PORT" env-default:"465" validate:"min=1,max=65535"`
	Security           string `yaml:"security" env:"SMTP_SECURITY" env-default:"ssl" validate:"oneof=ssl starttls none"`
	Username           string `yaml:"username" env:"SMTP_USER" validate:"required_unless=Security none"`
	Password           string `yaml:"password" env:"SMTP_PASS" validate:"required_unless=Security none"`
	From               string `yaml:"from" env:"SMTP_FROM"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	SubjectTemplate    string `yaml:"subject_template" env-default:"New post: {{.Title}}"`
}

type Renderer struct {
	WorkDir       string        `yaml:"work_dir" env:"RENDER_WORK_DIR"`
	Paper         string        `yaml:"paper" env-default:"a4" validate:"oneof=a4 letter"`
	ImageTimeout  time.Duration `yaml:"image_timeout" env-default:"10s"`
	ImageMaxBytes int64         `yaml:"image_max_bytes" env-default:"10485760" validate:"min=1"`
	ImageWidth    int           `yaml:"image_width" env-default:"300" validate:"min=1"`
	Chrome        Chrome        `yaml:"chrome"`
}

type Chrome struct {
	RemoteURL string        `yaml:"remote_url" env:"CHROME_REMOTE_URL"`
	NoSandbox bool          `yaml:"no_sandbox" env:"CHROME_NO_SANDBOX"`
	Timeout   time.Duration `yaml:"timeout" env-default:"30s"`
}

type Pipeline struct {
	Workers   int `yaml:"workers" env:"PIPELINE_WORKERS" env-default:"1" validate:"min=1,max=32"`
	BatchSize int `yaml:"batch_size" env:"PIPELINE_BATCH_SIZE" validate:"min=0"`
}

type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL" validate:"omitempty,url"`
	Job            string `yaml:"job" env-default:"postmailer"`
}

type storeCredentials struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
}

// LoadConfig resolves the path from -config or CONFIG_PATH and loads it. Without a
// path the config comes from the environment alone.
func LoadConfig() (*Config, error) {
	path := fetchConfigPath()
	if path == "" {
		return LoadEnv()
	}

	return Load(path)
}

// LoadEnv builds the config from environment variables and defaults.
func LoadEnv() (*Config, error) {
	var config Config

	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read config from env: %w", err)
	}

	return config.finish()
}

// Load reads the YAML file, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	var config Config

	if err := cleanenv.ReadConfig(path, &config); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return config.finish()
}

func (c *Config) finish() (*Config, error) {
	if err := c.applyCredentials(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) applyCredentials() error {
	if strings.TrimSpace(c.Database.Credentials) == "" {
		return nil
	}

	var creds storeCredentials
	if err := json.Unmarshal([]byte(c.Database.Credentials), &creds); err != nil {
		return fmt.Errorf("%w: malformed store credentials: %w", apperrors.ErrCredential, err)
	}

	if creds.Host != "" {
		c.Database.Host = creds.Host
	}
	if creds.Port != 0 {
		c.Database.Port = creds.Port
	}
	if creds.User != "" {
		c.Database.User = creds.User
	}
	if creds.Password != "" {
		c.Database.Password = creds.Password
	}
	if creds.Name != "" {
		c.Database.Name = creds.Name
	}
	if creds.SSLMode != "" {
		c.Database.SSLMode = creds.SSLMode
	}

	return nil
}

// Validate fails with apperrors.ErrCredential when a store or transport setting
// is missing or malformed, and with ErrInvalidConfig for anything else.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	kind := ErrInvalidConfig
	fields := make([]string, 0, len(verrs))

	for _, fe := range verrs {
		ns := fe.StructNamespace()
		if strings.HasPrefix(ns, "Config.Database.") || strings.HasPrefix(ns, "Config.Mailer.") {
			kind = apperrors.ErrCredential
		}

		fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(ns, "Config."), fe.Tag()))
	}

	return fmt.Errorf("%w: %s", kind, strings.Join(fields, ", "))
}

func MustPrintConfig(cfg *Config) {
	if err := PrintConfig(cfg); err != nil {
		panic(err)
	}
}

// PrintConfig dumps the effective config to stdout with secrets masked.
func PrintConfig(cfg *Config) error {
	data, err := yaml.Marshal(cfg.Masked())
	if err != nil {
		return err
	}

	println(string(data))

	return nil
}

func (c *Config) Masked() Config {
	out := *c

	if out.Database.Password != "" {
		out.Database.Password = masked
	}
	if out.Database.Credentials != "" {
		out.Database.Credentials = masked
	}
	if out.Redis.Password != "" {
		out.Redis.Password = masked
	}
	if out.Mailer.Password != "" {
		out.Mailer.Password = masked
	}

	return out
}

func fetchConfigPath() string {
	var result string

	flag.StringVar(&result, "config", "", "Path to config file")
	flag.Parse()

	if result == "" {
		result = os.Getenv("CONFIG_PATH")
	}

	return result
}
