// Package config loads server settings from defaults, an optional .env file
// and IRONSIGN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jmcleod/ironsign/model"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "IRONSIGN_"

// Storage drivers.
const (
	DriverBolt     = "bbolt"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Port     int
	DataDir  string
	LogLevel string
	TLSCert  string
	TLSKey   string

	StorageDriver string
	// DSN is the database connection string for postgres, sqlite and mysql.
	DSN string

	// ContentDir holds document bytes unless S3Bucket is set.
	ContentDir  string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	InstanceID   string
	Generation   int
	Engine       string
	CFSSLURL     string
	RootPassword string
	CRLBaseURL   string
	// DefaultDocMdpLevel applies to files created without a level.
	DefaultDocMdpLevel model.DocMdpLevel

	Workers        int
	QueueSize      int
	MaxAttempts    int
	SignTimeout    time.Duration
	StaleTimeout   time.Duration
	SweepInterval  time.Duration
	ErrorTTL       time.Duration
	CredentialsTTL time.Duration

	RequestLimit   int
	TrustedProxies []netip.Prefix

	WebhookURL        string
	WebhookAuthHeader string

	TSAURL      string
	TSAUsername string
	TSAPassword string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:             8080,
		DataDir:          "./data",
		LogLevel:         "INFO",
		StorageDriver:    DriverBolt,
		InstanceID:       "ironsign",
		Generation:       1,
		Engine:           string(model.EngineOpenSSL),
		Workers:          4,
		QueueSize:        1024,
		MaxAttempts:      1,
		SignTimeout:      60 * time.Second,
		StaleTimeout:     10 * time.Minute,
		SweepInterval:    5 * time.Minute,
		ErrorTTL:         300 * time.Second,
		CredentialsTTL:   10 * time.Minute,
		OtelServiceName:  "ironsign",
		OtelEndpoint:     "localhost:4317",
		OtelSamplingRate: 1,
	}
}

// Load reads envFiles (".env" when none are given; missing files are
// ignored) without overriding variables already set, then applies the
// environment on top of Default.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv on top of Default.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	p.int("PORT", &c.Port)
	p.str("DATA_DIR", &c.DataDir)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("TLS_CERT", &c.TLSCert)
	p.str("TLS_KEY", &c.TLSKey)

	p.str("STORAGE_DRIVER", &c.StorageDriver)
	p.str("DSN", &c.DSN)
	p.str("CONTENT_DIR", &c.ContentDir)
	p.str("S3_BUCKET", &c.S3Bucket)
	p.str("S3_PREFIX", &c.S3Prefix)
	p.str("S3_REGION", &c.S3Region)
	p.str("S3_ENDPOINT", &c.S3Endpoint)
	p.str("S3_ACCESS_KEY", &c.S3AccessKey)
	p.str("S3_SECRET_KEY", &c.S3SecretKey)
	p.bool("S3_PATH_STYLE", &c.S3PathStyle)

	p.str("INSTANCE_ID", &c.InstanceID)
	p.int("CA_GENERATION", &c.Generation)
	p.str("ENGINE", &c.Engine)
	p.str("CFSSL_URL", &c.CFSSLURL)
	p.str("ROOT_PASSWORD", &c.RootPassword)
	p.str("CRL_BASE_URL", &c.CRLBaseURL)
	var level int
	if p.int("DEFAULT_DOCMDP_LEVEL", &level) {
		l, err := model.DocMdpLevelFromInt(level)
		p.fail("DEFAULT_DOCMDP_LEVEL", err)
		c.DefaultDocMdpLevel = l
	}

	p.int("WORKERS", &c.Workers)
	p.int("QUEUE_SIZE", &c.QueueSize)
	p.int("MAX_ATTEMPTS", &c.MaxAttempts)
	p.duration("SIGN_TIMEOUT", &c.SignTimeout)
	p.duration("STALE_TIMEOUT", &c.StaleTimeout)
	p.duration("SWEEP_INTERVAL", &c.SweepInterval)
	p.duration("ERROR_TTL", &c.ErrorTTL)
	p.duration("CREDENTIALS_TTL", &c.CredentialsTTL)

	p.int("REQUEST_LIMIT", &c.RequestLimit)
	if raw := p.get("TRUSTED_PROXIES"); raw != "" {
		prefixes, err := ParsePrefixes(raw)
		p.fail("TRUSTED_PROXIES", err)
		c.TrustedProxies = prefixes
	}

	p.str("WEBHOOK_URL", &c.WebhookURL)
	p.str("WEBHOOK_AUTH_HEADER", &c.WebhookAuthHeader)
	p.str("TSA_URL", &c.TSAURL)
	p.str("TSA_USERNAME", &c.TSAUsername)
	p.str("TSA_PASSWORD", &c.TSAPassword)

	p.bool("OTEL_ENABLED", &c.OtelEnabled)
	p.str("OTEL_ENDPOINT", &c.OtelEndpoint)
	p.str("OTEL_SERVICE_NAME", &c.OtelServiceName)
	p.float("OTEL_SAMPLING_RATE", &c.OtelSamplingRate)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverBolt, DriverMemory:
	case DriverPostgres, DriverSQLite, DriverMySQL:
		if c.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: %s storage needs a DSN", ErrInvalid, c.StorageDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.StorageDriver))
	}
	if _, ok := model.EngineTypeTryFrom(c.Engine); !ok {
		errs = append(errs, fmt.Errorf("%w: unknown certificate engine %q", ErrInvalid, c.Engine))
	}
	if c.Generation < 1 {
		errs = append(errs, fmt.Errorf("%w: CA generation must be positive", ErrInvalid))
	}
	if c.InstanceID == "" || strings.ContainsAny(c.InstanceID, "_/\\") {
		errs = append(errs, fmt.Errorf("%w: instance id %q", ErrInvalid, c.InstanceID))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: port %d", ErrInvalid, c.Port))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, fmt.Errorf("%w: TLS needs both a certificate and a key", ErrInvalid))
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("%w: sampling rate %v", ErrInvalid, c.OtelSamplingRate))
	}
	return errors.Join(errs...)
}

// ContentPath is where document bytes live on disk.
func (c *Config) ContentPath() string {
	if c.ContentDir != "" {
		return c.ContentDir
	}
	return filepath.Join(c.DataDir, "content")
}

// ConfigRoot is the base directory for CA material.
func (c *Config) ConfigRoot() string {
	return filepath.Join(c.DataDir, "config")
}

// Level maps LogLevel to a slog level. Unknown names select info.
func (c *Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParsePrefixes parses a comma separated list of CIDR ranges or addresses.
func ParsePrefixes(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) get(key string) string {
	return strings.TrimSpace(p.getenv(EnvPrefix + key))
}

func (p *parser) fail(key string, err error) {
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, key, err))
	}
}

func (p *parser) str(key string, dst *string) {
	if v := p.get(key); v != "" {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) bool {
	v := p.get(key)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return false
	}
	*dst = n
	return true
}

func (p *parser) bool(key string, dst *bool) {
	if v := p.get(key); v != "" {
		b, err := strconv.ParseBool(v)
		p.fail(key, err)
		*dst = b
	}
}

func (p *parser) float(key string, dst *float64) {
	if v := p.get(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		p.fail(key, err)
		*dst = f
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v := p.get(key); v != "" {
		d, err := time.ParseDuration(v)
		p.fail(key, err)
		*dst = d
	}
}
