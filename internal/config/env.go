// Package config 提供运行时环境配置与模型假设表管理
package config

import (
	"os"
	"strconv"
)

// EnvConfig 环境变量配置
type EnvConfig struct {
	Port            string // HTTP 监听端口
	DBPath          string // SQLite 数据库路径
	AssumptionsFile string // 模型假设表 JSON 文件路径
	AccessKey       string // 管理 API 访问密钥（为空则不校验）
	EncryptionKey   string // 凭证加密密钥
	LogFile         string // 日志文件路径（为空则仅输出到 stdout）

	UsageAPIBase string // 上游用量 API 基础地址
	CostAPIBase  string // 上游成本 API 基础地址

	SyncIntervalMinutes   int // 定时同步间隔（分钟）
	RetentionDays         int // 数据保留天数
	FreshnessHours        int // 数据新鲜度阈值（小时），超过则读取时隐式触发同步
	RequestTimeout        int // 上游请求超时（秒）
	ResponseHeaderTimeout int // 上游响应头超时（秒）
	CacheTTLHours         int // 上游响应缓存存活时间（小时）
}

// NewEnvConfig 从环境变量读取配置（带默认值）
func NewEnvConfig() *EnvConfig {
	return &EnvConfig{
		Port:            getEnv("PORT", "8787"),
		DBPath:          getEnv("DB_PATH", ".config/notzero.db"),
		AssumptionsFile: getEnv("ASSUMPTIONS_FILE", ".config/model-assumptions.json"),
		AccessKey:       getEnv("ACCESS_KEY", ""),
		EncryptionKey:   getEnv("CREDENTIAL_SECRET", ""),
		LogFile:         getEnv("LOG_FILE", ""),

		UsageAPIBase: getEnv("USAGE_API_BASE", "https://api.openai.com/v1/organization/usage"),
		CostAPIBase:  getEnv("COST_API_BASE", "https://api.openai.com/v1/organization/costs"),

		SyncIntervalMinutes:   getEnvInt("SYNC_INTERVAL_MINUTES", 60),
		RetentionDays:         getEnvInt("RETENTION_DAYS", 90),
		FreshnessHours:        getEnvInt("FRESHNESS_HOURS", 4),
		RequestTimeout:        getEnvInt("REQUEST_TIMEOUT", 30),
		ResponseHeaderTimeout: getEnvInt("RESPONSE_HEADER_TIMEOUT", 20),
		CacheTTLHours:         getEnvInt("CACHE_TTL_HOURS", 6),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
