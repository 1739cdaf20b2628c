// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"os"
	"strings"
)

const (
	defaultAPIAddr  = ":8080"                  // APIサーバーのデフォルトリッスンアドレス
	defaultRedisURL = "redis://localhost:6379" // Redisのデフォルト接続先（rediss://でTLS）
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr        string   // APIサーバーのリッスンアドレス
	RedisURL       string   // Redisの接続URL
	AllowedOrigins []string // CORSで許可するオリジン一覧
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() Config {
	return Config{
		APIAddr:        envOr("API_ADDR", defaultAPIAddr),
		RedisURL:       envOr("REDIS_URL", defaultRedisURL),
		AllowedOrigins: envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
	}
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
