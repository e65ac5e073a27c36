package mpesa

import (
	"strconv"
)

// ============================================================================
// Daraja 报文定义
// ============================================================================
//
// 只定义对账需要的字段。注意两处不对称是网关协议本身的怪癖：
//   - 同步应答的 ResponseCode 是字符串 "0"
//   - 异步回调的 ResultCode 是 JSON 数字
// ============================================================================

const (
	// ResultCodeSuccess 回调：支付成功
	ResultCodeSuccess = 0
	// ResultCodeTimeout 回调：网关侧的超时哨兵码（DS timeout / 用户不可达）
	ResultCodeTimeout = 1037

	// ResponseCodeAccepted 同步应答：请求已受理
	ResponseCodeAccepted = "0"
)

// STKPushRequest STK 推送发起请求
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse STK 推送同步应答
//
// 受理只代表网关接受了请求，不代表钱已经动了。
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	// 网关报错时走另一组字段
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// CallbackEnvelope STK 异步回调的外层信封
type CallbackEnvelope struct {
	Body struct {
		StkCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback STK 异步回调正文
type STKCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        int              `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

// CallbackMetadata 成功回调附带的结算元数据（Name/Value 列表）
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// StringValue 按名字取字符串值；数字会被格式化成不带指数的十进制
func (m CallbackMetadata) StringValue(name string) (string, bool) {
	for _, item := range m.Item {
		if item.Name != name {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

// FloatValue 按名字取数字值
func (m CallbackMetadata) FloatValue(name string) (float64, bool) {
	for _, item := range m.Item {
		if item.Name != name {
			continue
		}
		switch v := item.Value.(type) {
		case float64:
			return v, true
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// CallbackAck 回调应答信封
//
// 【重要】不管本地处理成败，都必须原样返回成功应答。网关没有"稍后重试"
// 的语义，不应答只会招来重复回调，不会带来任何恢复。
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AcceptedAck 固定的成功应答
func AcceptedAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}

// ============================================================================
// C2B 报文定义
// ============================================================================

// C2B 校验结果码（网关规定的固定枚举，不能往外吐别的东西）
const (
	C2BCodeAccepted       = "0"
	C2BCodeInvalidMSISDN  = "C2B00011"
	C2BCodeInvalidAccount = "C2B00012"
	C2BCodeInvalidAmount  = "C2B00013"
	C2BCodeInvalidShort   = "C2B00015"
	C2BCodeOtherError     = "C2B00016"
)

// C2BRequest C2B 校验/确认回调正文（两个阶段字段一致，确认多带 TransID 已填）
type C2BRequest struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceNumber     string `json:"InvoiceNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	ThirdPartyTransID string `json:"ThirdPartyTransID"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

// PayerName 拼接付款人姓名
func (r *C2BRequest) PayerName() string {
	name := r.FirstName
	if r.MiddleName != "" {
		name += " " + r.MiddleName
	}
	if r.LastName != "" {
		name += " " + r.LastName
	}
	return name
}

// C2BResponse C2B 应答
type C2BResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
