// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 管理者認証
	AppUsername     string // 管理者ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zap のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// メタデータストア / キュー
	RedisURL          string        // メタデータとAsynqで共用するRedis接続URL
	WorkerConcurrency int           // ワーカーの同時実行数
	ConversionRetry   int           // 変換タスクの最大リトライ回数
	ConversionTimeout time.Duration // 変換タスク1件あたりのタイムアウト
	JobResultBaseURL  string        // ステータスURLのベース

	// ストレージ
	StorageRoot string // ディスク使用率を計測する管理領域
	UploadDir   string // ジョブ入力ディレクトリの親
	OutputDir   string // ジョブ出力ディレクトリの親
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）
	MaxPDFPages int    // アップロードPDFの最大ページ数

	// キャプチャセッション
	CaptureBatchSize    int           // force_ocr 時のバッチサイズ
	MaxCapturePages     int           // セッションあたりの最大ページ数
	CaptureSessionTTL   time.Duration // セッションの有効期限
	MaxCapturePageBytes int64         // ページ送信1回あたりの最大ボディサイズ

	// リテンション
	Retention RetentionConfig

	// 外部変換エンジン
	PandocPath    string
	TesseractPath string
}

// RetentionConfig は掃除処理の猶予時間とディスク閾値です。
type RetentionConfig struct {
	Schedule         string
	FailureGrace     time.Duration
	AccessedGrace    time.Duration
	UnaccessedGrace  time.Duration
	StaleAfter       time.Duration
	OrphanGrace      time.Duration
	TargetPercent    float64
	AggressivePct    float64
	EmergencyPercent float64
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	storageRoot := getEnv("STORAGE_ROOT", "./data")

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		ConversionRetry:   getEnvAsInt("CONVERSION_MAX_RETRY", 1),
		ConversionTimeout: getEnvAsDuration("CONVERSION_TIMEOUT", 10*time.Minute),
		JobResultBaseURL:  getEnv("JOB_RESULT_BASE_URL", ""),

		StorageRoot: storageRoot,
		UploadDir:   getEnv("UPLOAD_DIR", filepath.Join(storageRoot, "uploads")),
		OutputDir:   getEnv("OUTPUT_DIR", filepath.Join(storageRoot, "outputs")),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		MaxPDFPages: getEnvAsInt("MAX_PDF_PAGES", 500),

		CaptureBatchSize:    getEnvAsInt("CAPTURE_BATCH_SIZE", 10),
		MaxCapturePages:     getEnvAsInt("MAX_CAPTURE_PAGES", 500),
		CaptureSessionTTL:   getEnvAsDuration("CAPTURE_SESSION_TTL", 2*time.Hour),
		MaxCapturePageBytes: getEnvAsInt64("MAX_CAPTURE_PAGE_BYTES", 10*1024*1024),

		Retention: RetentionConfig{
			Schedule:         getEnv("RETENTION_SCHEDULE", "@every 5m"),
			FailureGrace:     getEnvAsDuration("RETENTION_FAILURE_GRACE", 5*time.Minute),
			AccessedGrace:    getEnvAsDuration("RETENTION_ACCESSED_GRACE", 10*time.Minute),
			UnaccessedGrace:  getEnvAsDuration("RETENTION_UNACCESSED_GRACE", 60*time.Minute),
			StaleAfter:       getEnvAsDuration("RETENTION_STALE_AFTER", 2*time.Hour),
			OrphanGrace:      getEnvAsDuration("RETENTION_ORPHAN_GRACE", 60*time.Minute),
			TargetPercent:    getEnvAsFloat("DISK_TARGET_PERCENT", 70),
			AggressivePct:    getEnvAsFloat("DISK_AGGRESSIVE_PERCENT", 80),
			EmergencyPercent: getEnvAsFloat("DISK_EMERGENCY_PERCENT", 95),
		},

		PandocPath:    getEnv("PANDOC_PATH", "pandoc"),
		TesseractPath: getEnv("TESSERACT_PATH", "tesseract"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.CaptureBatchSize <= 0 {
		return fmt.Errorf("CAPTURE_BATCH_SIZE must be positive")
	}
	if c.MaxCapturePages <= 0 {
		return fmt.Errorf("MAX_CAPTURE_PAGES must be positive")
	}
	r := c.Retention
	if !(r.TargetPercent < r.AggressivePct && r.AggressivePct < r.EmergencyPercent) {
		return fmt.Errorf("disk thresholds must satisfy target < aggressive < emergency (got %.0f/%.0f/%.0f)",
			r.TargetPercent, r.AggressivePct, r.EmergencyPercent)
	}

	// 本番環境では管理者認証とRedisを必須にする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" 形式、または秒数の整数を受け付けます。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
