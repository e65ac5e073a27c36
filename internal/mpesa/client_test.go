package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mpesagateway/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticProvider 固定凭证，测试里跳过 OAuth
type staticProvider struct {
	creds *Credentials
}

func (p *staticProvider) Credentials(_ context.Context) (*Credentials, error) {
	return p.creds, nil
}

func TestSTKPush(t *testing.T) {
	var gotReq STKPushRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(&STKPushResponse{
			MerchantRequestID:   "29115-34620561-1",
			CheckoutRequestID:   "ws_CO_191220191020363925",
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
			CustomerMessage:     "Success. Request accepted for processing",
		})
	}))
	defer srv.Close()

	cfg := &config.MpesaConfig{
		Passkey:         "testpasskey",
		CallbackBaseURL: "https://gateway.example.com",
		TimeoutSeconds:  5,
	}
	client := NewClient(cfg, &staticProvider{creds: &Credentials{
		AccessToken: "test-token",
		ShortCode:   "174379",
		BaseURL:     srv.URL,
	}})

	resp, raw, err := client.STKPush(context.Background(), "254712345678", 100, "ACC001", "ORD20240115143052001")
	require.NoError(t, err)
	assert.Equal(t, ResponseCodeAccepted, resp.ResponseCode)
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)
	assert.Contains(t, raw, "MerchantRequestID")

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "174379", gotReq.BusinessShortCode)
	assert.Equal(t, "174379", gotReq.PartyB)
	assert.Equal(t, "254712345678", gotReq.PhoneNumber)
	assert.Equal(t, int64(100), gotReq.Amount)
	assert.Equal(t, "CustomerPayBillOnline", gotReq.TransactionType)
	assert.Equal(t, "ACC001", gotReq.AccountReference)

	// 回调地址把订单号拼在路径里
	assert.Equal(t, "https://gateway.example.com/mpesa/callback/ORD20240115143052001", gotReq.CallBackURL)

	// Password = base64(短码 + passkey + 时间戳)
	decoded, err := base64.StdEncoding.DecodeString(gotReq.Password)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(decoded), "174379testpasskey"))
	assert.Equal(t, "174379testpasskey"+gotReq.Timestamp, string(decoded))
}

func TestSTKPushErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"requestId":"1234","errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`))
	}))
	defer srv.Close()

	cfg := &config.MpesaConfig{CallbackBaseURL: "https://gateway.example.com"}
	client := NewClient(cfg, &staticProvider{creds: &Credentials{
		AccessToken: "stale-token",
		ShortCode:   "174379",
		BaseURL:     srv.URL,
	}})

	// 网关报错走 errorCode 字段，折算成非 0 的 ResponseCode
	resp, _, err := client.STKPush(context.Background(), "254712345678", 100, "ACC001", "ORD001")
	require.NoError(t, err)
	assert.Equal(t, "404.001.03", resp.ResponseCode)
	assert.Equal(t, "Invalid Access Token", resp.ResponseDescription)
}

func TestSTKPushTransportError(t *testing.T) {
	cfg := &config.MpesaConfig{TimeoutSeconds: 1}
	client := NewClient(cfg, &staticProvider{creds: &Credentials{
		AccessToken: "test-token",
		ShortCode:   "174379",
		BaseURL:     "http://127.0.0.1:1",
	}})

	_, _, err := client.STKPush(context.Background(), "254712345678", 100, "ACC001", "ORD001")
	assert.Error(t, err)
}
