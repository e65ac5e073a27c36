package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mpesagateway/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadRedis 指向不可达地址：缓存读写都会失败，
// 验证凭证提供方在 Redis 故障时直接走网关换 token。
func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
}

func TestCredentialsFetchesToken(t *testing.T) {
	var gotGrantType string
	var authOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/v1/generate", r.URL.Path)
		gotGrantType = r.URL.Query().Get("grant_type")
		user, pass, ok := r.BasicAuth()
		authOK = ok && user == "test-key" && pass == "test-secret"

		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "c9SQxWWhmdVRlyh0zh8gZDTkubVF",
			"expires_in":   "3599",
		})
	}))
	defer srv.Close()

	provider := NewDarajaCredentialProvider(&config.MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "test-key",
		ConsumerSecret: "test-secret",
		ShortCode:      "174379",
		TimeoutSeconds: 5,
	}, deadRedis())

	creds, err := provider.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c9SQxWWhmdVRlyh0zh8gZDTkubVF", creds.AccessToken)
	assert.Equal(t, "174379", creds.ShortCode)
	assert.Equal(t, srv.URL, creds.BaseURL)

	assert.Equal(t, "client_credentials", gotGrantType)
	assert.True(t, authOK)
}

func TestCredentialsOAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	provider := NewDarajaCredentialProvider(&config.MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "test-key",
		ConsumerSecret: "wrong-secret",
		ShortCode:      "174379",
	}, deadRedis())

	_, err := provider.Credentials(context.Background())
	assert.Error(t, err)
}

func TestCredentialsMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	provider := NewDarajaCredentialProvider(&config.MpesaConfig{
		BaseURL:   srv.URL,
		ShortCode: "174379",
	}, deadRedis())

	_, err := provider.Credentials(context.Background())
	assert.Error(t, err)
}
