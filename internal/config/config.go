package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	PresenceScopeAll       = "all"
	PresenceScopeFollowers = "followers"
)

type Config struct {
	DatabaseDSN     string
	ServerAddr      string
	SigningKey      []byte
	AllowedOrigins  []string
	AdminKeyHash    []byte
	NatsURL         string
	NatsSubject     string
	PresenceScope   string
	SendBufferSize  int
	ShutdownTimeout time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:     databaseDSN,
		ServerAddr:      serverAddr,
		SigningKey:      signingKey,
		AllowedOrigins:  allowedOrigins,
		NatsSubject:     "notify.offline",
		PresenceScope:   PresenceScopeAll,
		SendBufferSize:  256,
		ShutdownTimeout: 10 * time.Second,
	}, nil
}

// Load reads configuration from an optional yaml file and GOPRESENCE_ prefixed
// environment variables, then validates it with NewConfig.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", "localhost:8000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8000"})
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("nats.subject_prefix", "notify.offline")
	v.SetDefault("presence.scope", PresenceScopeAll)
	v.SetDefault("client.send_buffer", 256)

	v.SetEnvPrefix("GOPRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg, err := NewConfig(
		v.GetString("server.addr"),
		v.GetString("database.dsn"),
		v.GetString("auth.signing_key"),
		v.GetStringSlice("server.allowed_origins"),
	)
	if err != nil {
		return nil, err
	}

	cfg.NatsURL = v.GetString("nats.url")
	cfg.NatsSubject = v.GetString("nats.subject_prefix")
	cfg.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	if hash := v.GetString("admin.key_hash"); hash != "" {
		cfg.AdminKeyHash = []byte(hash)
	}

	scope := v.GetString("presence.scope")
	switch scope {
	case PresenceScopeAll, PresenceScopeFollowers:
		cfg.PresenceScope = scope
	default:
		return nil, fmt.Errorf("invalid presence scope %q", scope)
	}

	if n := v.GetInt("client.send_buffer"); n > 0 {
		cfg.SendBufferSize = n
	}

	return cfg, nil
}
