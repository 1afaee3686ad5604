// Package config loads server settings from defaults, an optional config
// file, AUDIOPIRATE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. AUDIOPIRATE_SERVER_ADDR.
	EnvPrefix = "AUDIOPIRATE"

	// DefaultPassword is used when neither a password nor a hash is
	// configured.
	DefaultPassword = "audiopirate"

	configName = "audiopirate"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	TokenStore TokenStoreConfig `mapstructure:"token_store"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Stream     StreamConfig     `mapstructure:"stream"`

	// UsingDefaultPassword is set when DefaultPassword was substituted.
	UsingDefaultPassword bool `mapstructure:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	TLSCert         string        `mapstructure:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey          string        `mapstructure:"tls_key" validate:"required_with=TLSCert"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type AuthConfig struct {
	Password           string        `mapstructure:"password" validate:"max=1024,excluded_with=PasswordHash"`
	PasswordHash       string        `mapstructure:"password_hash"`
	PasswordIterations int           `mapstructure:"password_iterations" validate:"gte=0"`
	TokenTTL           time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	PurgeInterval      time.Duration `mapstructure:"purge_interval" validate:"gte=0"`
	LoginLimit         int           `mapstructure:"login_limit" validate:"gte=0"`
	LoginWindow        time.Duration `mapstructure:"login_window" validate:"gt=0"`
	GlobalRPS          float64       `mapstructure:"global_rps" validate:"gte=0"`
	GlobalBurst        int           `mapstructure:"global_burst" validate:"gte=0"`
}

type TokenStoreConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=memory redis postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr       string         `mapstructure:"addr"`
	Addrs      []string       `mapstructure:"addrs"`
	Username   string         `mapstructure:"username"`
	Password   string         `mapstructure:"password"`
	DB         int            `mapstructure:"db" validate:"gte=0"`
	KeyPrefix  string         `mapstructure:"key_prefix"`
	MasterName string         `mapstructure:"master_name"`
	PoolSize   int            `mapstructure:"pool_size" validate:"gte=0"`
	Timeout    time.Duration  `mapstructure:"timeout" validate:"gte=0"`
	TLS        RedisTLSConfig `mapstructure:"tls"`
}

type RedisTLSConfig struct {
	CA         string `mapstructure:"ca"`
	Cert       string `mapstructure:"cert" validate:"required_with=Key"`
	Key        string `mapstructure:"key" validate:"required_with=Cert"`
	ServerName string `mapstructure:"server_name"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

type PostgresConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type CaptureConfig struct {
	Driver    string   `mapstructure:"driver" validate:"oneof=auto alsa wav synthetic silence"`
	Devices   []string `mapstructure:"devices"`
	Command   string   `mapstructure:"command"`
	WAVPath   string   `mapstructure:"wav_path" validate:"required_if=Driver wav"`
	Frequency float64  `mapstructure:"frequency" validate:"gte=0"`
	Amplitude float64  `mapstructure:"amplitude" validate:"gte=0,lte=1"`

	SampleRate   int `mapstructure:"sample_rate" validate:"gt=0"`
	Channels     int `mapstructure:"channels" validate:"gt=0"`
	BitDepth     int `mapstructure:"bit_depth" validate:"oneof=16 24 32"`
	ChunkSamples int `mapstructure:"chunk_samples" validate:"gt=0"`

	ReadRetries          int           `mapstructure:"read_retries" validate:"gte=0"`
	RetryDelay           time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	ReacquireCooldown    time.Duration `mapstructure:"reacquire_cooldown" validate:"gte=0"`
	MaxReacquireCooldown time.Duration `mapstructure:"max_reacquire_cooldown" validate:"gte=0"`
	IdleRelease          time.Duration `mapstructure:"idle_release" validate:"gte=0"`

	// ReacquireAttempts bounds consecutive failed device opens. Once reached
	// the server keeps running with capture faulted and /healthz degraded
	// until restart. Zero retries forever.
	ReacquireAttempts int `mapstructure:"reacquire_attempts" validate:"gte=0"`
}

type StreamConfig struct {
	QueueCapacity       int           `mapstructure:"queue_capacity" validate:"gt=0"`
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval" validate:"gt=0"`
	PingInterval        time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	PongWait            time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
	WriteWait           time.Duration `mapstructure:"write_wait" validate:"gt=0"`
	AuthTimeout         time.Duration `mapstructure:"auth_timeout" validate:"gt=0"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins"`
}

var defaults = map[string]any{
	"server.addr":             ":8765",
	"server.tls_cert":         "",
	"server.tls_key":          "",
	"server.cors_origins":     []string{},
	"server.shutdown_timeout": 15 * time.Second,

	"log.level":  "info",
	"log.format": "json",

	"auth.password":            "",
	"auth.password_hash":       "",
	"auth.password_iterations": 0,
	"auth.token_ttl":           24 * time.Hour,
	"auth.purge_interval":      10 * time.Minute,
	"auth.login_limit":         5,
	"auth.login_window":        time.Minute,
	"auth.global_rps":          0.0,
	"auth.global_burst":        0,

	"token_store.driver":                "memory",
	"token_store.redis.addr":            "",
	"token_store.redis.addrs":           []string{},
	"token_store.redis.username":        "",
	"token_store.redis.password":        "",
	"token_store.redis.db":              0,
	"token_store.redis.key_prefix":      "audiopirate:token:",
	"token_store.redis.master_name":     "",
	"token_store.redis.pool_size":       0,
	"token_store.redis.timeout":         5 * time.Second,
	"token_store.redis.tls.ca":          "",
	"token_store.redis.tls.cert":        "",
	"token_store.redis.tls.key":         "",
	"token_store.redis.tls.server_name": "",
	"token_store.redis.tls.skip_verify": false,
	"token_store.postgres.dsn":          "",
	"token_store.postgres.timeout":      5 * time.Second,

	"capture.driver":                 "auto",
	"capture.devices":                []string{},
	"capture.command":                "",
	"capture.wav_path":               "",
	"capture.frequency":              0.0,
	"capture.amplitude":              0.0,
	"capture.sample_rate":            48000,
	"capture.channels":               2,
	"capture.bit_depth":              32,
	"capture.chunk_samples":          1024,
	"capture.read_retries":           3,
	"capture.retry_delay":            100 * time.Millisecond,
	"capture.reacquire_cooldown":     time.Second,
	"capture.max_reacquire_cooldown": 30 * time.Second,
	"capture.reacquire_attempts":     0,
	"capture.idle_release":           time.Duration(0),

	"stream.queue_capacity":        32,
	"stream.expiry_check_interval": 30 * time.Second,
	"stream.ping_interval":         30 * time.Second,
	"stream.pong_wait":             60 * time.Second,
	"stream.write_wait":            10 * time.Second,
	"stream.auth_timeout":          30 * time.Second,
	"stream.allowed_origins":       []string{},
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"addr":              "server.addr",
	"tls-cert":          "server.tls_cert",
	"tls-key":           "server.tls_key",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"password-hash":     "auth.password_hash",
	"token-ttl":         "auth.token_ttl",
	"token-store":       "token_store.driver",
	"redis-addr":        "token_store.redis.addr",
	"postgres-dsn":      "token_store.postgres.dsn",
	"capture-driver":    "capture.driver",
	"capture-device":    "capture.devices",
	"wav-path":          "capture.wav_path",
	"queue-capacity":    "stream.queue_capacity",
	"allowed-origin":    "stream.allowed_origins",
	"shutdown-timeout":  "server.shutdown_timeout",
	"login-limit":       "auth.login_limit",
	"capture-frequency": "capture.frequency",
}

// RegisterFlags defines the serve command's flags on fs. Flag defaults are
// zero values; only flags the operator sets override the other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", "", "HTTP listen address (default :8765)")
	fs.String("tls-cert", "", "path to TLS certificate")
	fs.String("tls-key", "", "path to TLS private key")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json or text)")
	fs.String("password-hash", "", "encoded password hash (see hash-password)")
	fs.Duration("token-ttl", 0, "session token lifetime (default 24h)")
	fs.String("token-store", "", "token store driver (memory, redis or postgres)")
	fs.String("redis-addr", "", "Redis address for the token store")
	fs.String("postgres-dsn", "", "Postgres DSN for the token store")
	fs.String("capture-driver", "", "capture driver (auto, alsa, wav, synthetic or silence)")
	fs.StringSlice("capture-device", nil, "ALSA capture device, repeatable, tried in order")
	fs.String("wav-path", "", "WAV file looped by the wav driver")
	fs.Int("queue-capacity", 0, "per-session chunk queue capacity (default 32)")
	fs.StringSlice("allowed-origin", nil, "allowed WebSocket origin, repeatable (* allows all)")
	fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default 15s)")
	fs.Int("login-limit", 0, "credential attempts per client per window (default 5)")
	fs.Float64("capture-frequency", 0, "tone frequency for the synthetic driver")
}

// Options controls where Load looks for settings.
type Options struct {
	// File is an explicit config file. When empty, audiopirate.{yaml,toml,json}
	// is looked up in the working directory and /etc/audiopirate, and its
	// absence is not an error.
	File string
	// Flags, when set, contributes every flag the operator changed.
	Flags *pflag.FlagSet
}

// Load resolves the configuration and validates it.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/audiopirate")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToFieldsHook(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil || !f.Changed {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func (c *Config) normalize() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.TokenStore.Driver = strings.ToLower(strings.TrimSpace(c.TokenStore.Driver))
	c.Capture.Driver = strings.ToLower(strings.TrimSpace(c.Capture.Driver))
	c.Auth.PasswordHash = strings.TrimSpace(c.Auth.PasswordHash)
	c.Server.CORSOrigins = trimList(c.Server.CORSOrigins)
	c.Stream.AllowedOrigins = trimList(c.Stream.AllowedOrigins)
	c.Capture.Devices = trimList(c.Capture.Devices)
	c.TokenStore.Redis.Addrs = trimList(c.TokenStore.Redis.Addrs)

	if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
		c.Auth.Password = DefaultPassword
		c.UsingDefaultPassword = true
	}
}

// stringToFieldsHook splits list values given as one string, as environment
// variables are, on whitespace. Commas are left alone since ALSA device names
// such as hw:1,0 contain them.
func stringToFieldsHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		return strings.Fields(data.(string)), nil
	}
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

// Validate checks struct tags and the rules that span sections.
func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterStructValidation(tokenStoreRules, TokenStoreConfig{})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func tokenStoreRules(sl validator.StructLevel) {
	store := sl.Current().Interface().(TokenStoreConfig)
	switch store.Driver {
	case "redis":
		if strings.TrimSpace(store.Redis.Addr) == "" && len(store.Redis.Addrs) == 0 {
			sl.ReportError(store.Redis.Addr, "Redis.Addr", "Addr", "required_for_redis", "")
		}
	case "postgres":
		if strings.TrimSpace(store.Postgres.DSN) == "" {
			sl.ReportError(store.Postgres.DSN, "Postgres.DSN", "DSN", "required_for_postgres", "")
		}
	}
}
