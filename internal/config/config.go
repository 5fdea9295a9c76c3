package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	ReportsBucket string

	ScratchDir  string
	SemgrepPath string
	DockerPath  string
	ZapImage    string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	NotifyWebhookURL string

	WorkerConcurrency int
	HTTPAddr          string

	CloneTimeout     time.Duration
	SemgrepTimeout   time.Duration
	ZapTimeout       time.Duration
	FetchTimeout     time.Duration
	TranslateTimeout time.Duration
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func Load() Config {
	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:          getBool("S3_USE_SSL", "false"),
		ReportsBucket:     os.Getenv("REPORTS_BUCKET"),
		ScratchDir:        os.Getenv("SCRATCH_DIR"),
		SemgrepPath:       os.Getenv("SEMGREP_PATH"),
		DockerPath:        os.Getenv("DOCKER_PATH"),
		ZapImage:          os.Getenv("ZAP_IMAGE"),
		LLMBaseURL:        os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		LLMModel:          os.Getenv("LLM_MODEL"),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 2),
		HTTPAddr:          os.Getenv("HTTP_ADDR"),
		CloneTimeout:      getSeconds("CLONE_TIMEOUT_SECONDS", 60*time.Second),
		SemgrepTimeout:    getSeconds("SEMGREP_TIMEOUT_SECONDS", 180*time.Second),
		ZapTimeout:        getSeconds("ZAP_TIMEOUT_SECONDS", 300*time.Second),
		FetchTimeout:      getSeconds("FETCH_TIMEOUT_SECONDS", 15*time.Second),
		TranslateTimeout:  getSeconds("TRANSLATE_TIMEOUT_SECONDS", 90*time.Second),
	}
	// quick sanity
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/scratch"
	}
	if cfg.SemgrepPath == "" {
		cfg.SemgrepPath = "semgrep"
	}
	if cfg.DockerPath == "" {
		cfg.DockerPath = "docker"
	}
	if cfg.ZapImage == "" {
		cfg.ZapImage = "ghcr.io/zaproxy/zaproxy:stable"
	}
	if cfg.LLMBaseURL == "" {
		cfg.LLMBaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = "gpt-4o-mini"
	}
	return cfg
}
