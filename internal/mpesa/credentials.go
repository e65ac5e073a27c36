package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mpesagateway/internal/config"

	"github.com/go-redis/redis/v8"
)

// Credentials 调用网关所需的凭证集合
type Credentials struct {
	AccessToken string
	ShortCode   string
	BaseURL     string
}

// CredentialProvider 凭证提供方。核心流程只依赖这个接口，
// 不自己保存长期密钥。
type CredentialProvider interface {
	Credentials(ctx context.Context) (*Credentials, error)
}

// DarajaCredentialProvider 从 Daraja OAuth 接口换取短期 access token，
// 并缓存在 Redis 里（token 约一小时有效，留 60 秒安全边际）。
type DarajaCredentialProvider struct {
	cfg        *config.MpesaConfig
	redis      *redis.Client
	httpClient *http.Client
}

func NewDarajaCredentialProvider(cfg *config.MpesaConfig, redisClient *redis.Client) *DarajaCredentialProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DarajaCredentialProvider{
		cfg:        cfg,
		redis:      redisClient,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *DarajaCredentialProvider) cacheKey() string {
	return fmt.Sprintf("mpesa:oauth:token:%s", p.cfg.ShortCode)
}

// Credentials 返回当前可用凭证，优先走 Redis 缓存
func (p *DarajaCredentialProvider) Credentials(ctx context.Context) (*Credentials, error) {
	token, err := p.redis.Get(ctx, p.cacheKey()).Result()
	if err == nil && token != "" {
		return &Credentials{
			AccessToken: token,
			ShortCode:   p.cfg.ShortCode,
			BaseURL:     p.cfg.BaseURL,
		}, nil
	}
	if err != nil && err != redis.Nil {
		// Redis 故障时直接透传到网关换新 token，不让缓存层挡住主流程
	}

	token, ttl, err := p.fetchToken(ctx)
	if err != nil {
		return nil, err
	}

	// 缓存失败不影响本次调用
	_ = p.redis.Set(ctx, p.cacheKey(), token, ttl).Err()

	return &Credentials{
		AccessToken: token,
		ShortCode:   p.cfg.ShortCode,
		BaseURL:     p.cfg.BaseURL,
	}, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (p *DarajaCredentialProvider) fetchToken(ctx context.Context) (string, time.Duration, error) {
	url := p.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("构造 OAuth 请求失败: %w", err)
	}
	req.SetBasicAuth(p.cfg.ConsumerKey, p.cfg.ConsumerSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("请求 OAuth 接口失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("OAuth 接口返回异常状态码: %d", resp.StatusCode)
	}

	var body oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("解析 OAuth 应答失败: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("OAuth 应答缺少 access_token")
	}

	// expires_in 是字符串形式的秒数（通常 "3599"），留 60 秒边际
	expires, err := strconv.Atoi(body.ExpiresIn)
	if err != nil || expires <= 60 {
		expires = 3599
	}
	ttl := time.Duration(expires-60) * time.Second

	return body.AccessToken, ttl, nil
}
