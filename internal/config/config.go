package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Mpesa    MpesaConfig    `mapstructure:"mpesa"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PayResult string `mapstructure:"pay_result"`
}

// MpesaConfig M-Pesa（Daraja）网关配置
type MpesaConfig struct {
	BaseURL         string `mapstructure:"base_url"` // 沙箱 https://sandbox.safaricom.co.ke
	ConsumerKey     string `mapstructure:"consumer_key"`
	ConsumerSecret  string `mapstructure:"consumer_secret"`
	ShortCode       string `mapstructure:"short_code"`
	Passkey         string `mapstructure:"passkey"`
	CallbackBaseURL string `mapstructure:"callback_base_url"` // 回调地址前缀，orderNo 拼在路径里
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`   // 出站请求超时
}

type BusinessConfig struct {
	StaleTimeoutMinutes   int     `mapstructure:"stale_timeout_minutes"`   // 回调等待窗口
	WebhookMaxAttempts    int     `mapstructure:"webhook_max_attempts"`    // Webhook 自动重试上限
	WebhookBackoffSeconds int     `mapstructure:"webhook_backoff_seconds"` // 退避基数，第 n 次失败等 n*基数
	OutboxMaxRetry        int     `mapstructure:"outbox_max_retry"`        // Kafka 事件重试上限
	C2BAccountPrefix      string  `mapstructure:"c2b_account_prefix"`      // 合法账户引用前缀
	C2BMinAmount          float64 `mapstructure:"c2b_min_amount"`
	C2BMaxAmount          float64 `mapstructure:"c2b_max_amount"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}
