package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	CORS     CORSConfig     `mapstructure:"cors"`
	PowerBI  PowerBIConfig  `mapstructure:"powerbi"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite | mysql
	Path         string `mapstructure:"path"`   // sqlite 文件路径
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"` // 为空时 API 不做认证
	ExpireHours int    `mapstructure:"expire_hours"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// PowerBIConfig 租户与凭据配置
type PowerBIConfig struct {
	TenantID       string        `mapstructure:"tenant_id"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	PublicClientID string        `mapstructure:"public_client_id"`
	AuthorityHost  string        `mapstructure:"authority_host"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	XMLABaseURL    string        `mapstructure:"xmla_base_url"`
	PageSize       int           `mapstructure:"page_size"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ExpirySkew     time.Duration `mapstructure:"expiry_skew"`
}

// ScanConfig 扫描任务配置
type ScanConfig struct {
	AuthMode         string        `mapstructure:"auth_mode"` // service | interactive
	Concurrency      int           `mapstructure:"concurrency"`
	UnitTimeout      time.Duration `mapstructure:"unit_timeout"`
	Runner           string        `mapstructure:"runner"` // inprocess | process
	WorkerBinary     string        `mapstructure:"worker_binary"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	ScheduleName     string        `mapstructure:"schedule_name"`
	Ingest           bool          `mapstructure:"ingest"`      // 完成后导入索引
	TempExpire       time.Duration `mapstructure:"temp_expire"` // 残留临时文件的清理阈值
}

// StorageConfig 扫描文档存储
type StorageConfig struct {
	Backend string    `mapstructure:"backend"` // local | oss | s3
	ScanDir string    `mapstructure:"scan_dir"`
	OSS     OSSConfig `mapstructure:"oss"`
	S3      S3Config  `mapstructure:"s3"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	Prefix          string `mapstructure:"prefix"`
}

type S3Config struct {
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "catalog.db")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("powerbi.authority_host", "https://login.microsoftonline.com")
	v.SetDefault("powerbi.api_base_url", "https://api.powerbi.com")
	v.SetDefault("powerbi.xmla_base_url", "https://api.powerbi.com/v1.0/myorg")
	v.SetDefault("powerbi.page_size", 5000)
	v.SetDefault("powerbi.requests_per_sec", 2.0)
	v.SetDefault("powerbi.request_timeout", 30*time.Second)
	v.SetDefault("powerbi.expiry_skew", 2*time.Minute)
	v.SetDefault("scan.auth_mode", "service")
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.unit_timeout", 5*time.Minute)
	v.SetDefault("scan.runner", "inprocess")
	v.SetDefault("scan.schedule_name", "scheduled")
	v.SetDefault("scan.ingest", true)
	v.SetDefault("scan.temp_expire", time.Hour)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.scan_dir", "scans")
	v.SetDefault("log.level", "info")
}

// 凭据优先读取 PBI_* 环境变量
func bindCredentialEnv(v *viper.Viper) {
	_ = v.BindEnv("powerbi.tenant_id", "PBI_TENANT_ID", "POWERBI_TENANT_ID")
	_ = v.BindEnv("powerbi.client_id", "PBI_CLIENT_ID", "POWERBI_CLIENT_ID")
	_ = v.BindEnv("powerbi.client_secret", "PBI_CLIENT_SECRET", "POWERBI_CLIENT_SECRET")
	_ = v.BindEnv("powerbi.public_client_id", "PBI_PUBLIC_CLIENT_ID", "POWERBI_PUBLIC_CLIENT_ID")
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindCredentialEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时只使用默认值 + 环境变量
		if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
