package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects to the cache/rate-limit backend from REDIS_* env.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	addr := envOr("REDIS_ADDR", "localhost:6379")
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	var tlsConfig *tls.Config
	if envBool("REDIS_TLS") {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if serverName := os.Getenv("REDIS_TLS_SERVER_NAME"); serverName != "" {
			tlsConfig.ServerName = serverName
		}
	}
	if envBool("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
