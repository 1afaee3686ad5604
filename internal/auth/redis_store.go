package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "audiopirate:token:"

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisTokenStoreConfig configures the Redis-backed token store.
type RedisTokenStoreConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisTokenStore keeps token digests in Redis with a native key TTL so
// expired tokens disappear without a purge pass.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenStore connects to Redis using the provided configuration. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisTokenStore(cfg RedisTokenStoreConfig) (*RedisTokenStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		DB:               cfg.DB,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		DisableIndentity: true,
	})
	return &RedisTokenStore{client: client, prefix: prefix}, nil
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisTokenStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisTokenStore) key(digest string) string {
	return s.prefix + digest
}

// Save writes the record with a key TTL matching the token lifetime.
func (s *RedisTokenStore) Save(ctx context.Context, record TokenRecord) error {
	ttl := record.ExpiresAt.Sub(record.IssuedAt)
	if ttl <= 0 {
		return fmt.Errorf("token record has no lifetime")
	}
	value := strconv.FormatInt(record.IssuedAt.UnixNano(), 10) + ":" + strconv.FormatInt(record.ExpiresAt.UnixNano(), 10)
	return s.client.Set(ctx, s.key(record.Digest), value, ttl).Err()
}

// Get loads the record stored under digest.
func (s *RedisTokenStore) Get(ctx context.Context, digest string) (TokenRecord, bool, error) {
	value, err := s.client.Get(ctx, s.key(digest)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, err
	}
	record, err := decodeRedisRecord(digest, value)
	if err != nil {
		return TokenRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the record. Missing keys are not an error.
func (s *RedisTokenStore) Delete(ctx context.Context, digest string) error {
	return s.client.Del(ctx, s.key(digest)).Err()
}

// PurgeExpired is a no-op; Redis expires keys on its own.
func (s *RedisTokenStore) PurgeExpired(context.Context, time.Time) error {
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (s *RedisTokenStore) Close(context.Context) error {
	return s.client.Close()
}

func decodeRedisRecord(digest, value string) (TokenRecord, error) {
	issuedRaw, expiresRaw, ok := strings.Cut(value, ":")
	if !ok {
		return TokenRecord{}, fmt.Errorf("malformed token record")
	}
	issued, err := strconv.ParseInt(issuedRaw, 10, 64)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("parse issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return TokenRecord{
		Digest:    digest,
		IssuedAt:  time.Unix(0, issued),
		ExpiresAt: time.Unix(0, expires),
	}, nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
