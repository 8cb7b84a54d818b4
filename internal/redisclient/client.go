// Package redisclient builds the Valkey client shared by the Redis-backed
// cache store and lock.
package redisclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// PingTimeout bounds the connectivity check performed by New.
const PingTimeout = 5 * time.Second

type TLSConfig struct {
	Enabled bool
	CAFile  string
}

type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      TLSConfig
}

// New connects to cfg.Address and verifies the server answers PING. The
// client speaks RESP2 without client-side caching so it works against plain
// Redis and test doubles alike.
func New(ctx context.Context, cfg Config) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redisclient: address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("redisclient: new client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisclient: ping: %w", err)
	}
	return client, nil
}

func buildTLS(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("redisclient: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("redisclient: ca file contains no certificates")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
