package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mpesagateway/internal/config"
)

// Client Daraja 出站调用客户端
//
// 所有出站请求都带超时：超时按发起失败处理，本地订单停在原状态，
// 留给超时任务兜底（见 job/stale_reaper.go）。
type Client struct {
	creds           CredentialProvider
	httpClient      *http.Client
	passkey         string
	callbackBaseURL string
}

func NewClient(cfg *config.MpesaConfig, creds CredentialProvider) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		creds:           creds,
		httpClient:      &http.Client{Timeout: timeout},
		passkey:         cfg.Passkey,
		callbackBaseURL: cfg.CallbackBaseURL,
	}
}

// STKPush 发起 STK 推送
//
// 回调地址把 orderNo 直接拼在路径里，回调到达时以此做关联。
// 返回值里带原始应答报文，调用方落库留档。
func (c *Client) STKPush(ctx context.Context, phoneNumber string, amount int64, accountReference, orderNo string) (*STKPushResponse, string, error) {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("获取网关凭证失败: %w", err)
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(creds.ShortCode + c.passkey + timestamp),
	)

	reqBody := &STKPushRequest{
		BusinessShortCode: creds.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phoneNumber,
		PartyB:            creds.ShortCode,
		PhoneNumber:       phoneNumber,
		CallBackURL:       fmt.Sprintf("%s/mpesa/callback/%s", c.callbackBaseURL, orderNo),
		AccountReference:  accountReference,
		TransactionDesc:   "Payment " + orderNo,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("序列化 STK 请求失败: %w", err)
	}

	url := creds.BaseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("构造 STK 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("请求 STK 接口失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("读取 STK 应答失败: %w", err)
	}

	var stkResp STKPushResponse
	if err := json.Unmarshal(raw, &stkResp); err != nil {
		return nil, string(raw), fmt.Errorf("解析 STK 应答失败: %w", err)
	}

	// 网关报错走 errorCode/errorMessage，折算成非 0 的 ResponseCode 统一处理
	if stkResp.ResponseCode == "" && stkResp.ErrorCode != "" {
		stkResp.ResponseCode = stkResp.ErrorCode
		stkResp.ResponseDescription = stkResp.ErrorMessage
	}

	return &stkResp, string(raw), nil
}
