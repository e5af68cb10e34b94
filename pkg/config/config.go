package config

import (
	"os"
	"strconv"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int32  `yaml:"max_conns"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// S3Config 对象存储配置（上传的收件人文件和附件）
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MailConfig 发信通道配置
type MailConfig struct {
	Transport string `yaml:"transport"` // ses | smtp
	SESRegion string `yaml:"ses_region"`
	SMTPHost  string `yaml:"smtp_host"`
	SMTPPort  int    `yaml:"smtp_port"`
	// OAuth 客户端，用于 SMTP XOAUTH2；为空时使用用户的应用密码
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthTokenURL     string `yaml:"oauth_token_url"`
	// users 表中凭据的加密 key（base64，32 字节），只从环境变量读取
	CredentialKey string `yaml:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// OTelConfig 链路追踪配置
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
}

// OverrideS3FromEnv 从环境变量覆盖S3配置
func OverrideS3FromEnv(cfg *S3Config) {
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		cfg.Bucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Region = region
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		cfg.AccessKeyID = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		cfg.SecretAccessKey = secret
	}
}

// OverrideMailFromEnv 从环境变量覆盖发信配置
func OverrideMailFromEnv(cfg *MailConfig) {
	if transport := os.Getenv("MAIL_TRANSPORT"); transport != "" {
		cfg.Transport = transport
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SMTPPort = p
		}
	}
	if id := os.Getenv("OAUTH_CLIENT_ID"); id != "" {
		cfg.OAuthClientID = id
	}
	if secret := os.Getenv("OAUTH_CLIENT_SECRET"); secret != "" {
		cfg.OAuthClientSecret = secret
	}
	if key := os.Getenv("CREDENTIAL_KEY"); key != "" {
		cfg.CredentialKey = key
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}
