package service

import (
	"context"
	"log"
	"strconv"
	"strings"

	"mpesagateway/internal/config"
	"mpesagateway/internal/model"
	"mpesagateway/internal/mpesa"
	"mpesagateway/internal/repository"
	"mpesagateway/pkg/idgen"

	"gorm.io/gorm"
)

// C2BService C2B 直接入账的两段式处理
//
// 网关先打校验回调（可选，钱还没动），我们在限定时间内回
// 接受/拒绝；之后打确认回调（钱已经到账，纯通知）。两段的
// 应答词汇表都是网关规定死的，不能往外吐别的东西。
type C2BService struct {
	db          *gorm.DB
	cfg         *config.Config
	gen         *idgen.Generator
	depositRepo *repository.DepositRepository
}

func NewC2BService(db *gorm.DB, cfg *config.Config, gen *idgen.Generator) *C2BService {
	return &C2BService{
		db:          db,
		cfg:         cfg,
		gen:         gen,
		depositRepo: repository.NewDepositRepository(db),
	}
}

// Validate 校验阶段：按业务规则接受或拒绝
//
// 【关键点】这个方法不返回 error。超时不答复等于上游自动拒绝，
// 所以任何本地异常都降级成通用拒绝码，绝不把调用悬着。
func (s *C2BService) Validate(ctx context.Context, req *mpesa.C2BRequest) (resp *mpesa.C2BResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[C2B] 校验阶段 panic: %v", r)
			resp = &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeOtherError, ResultDesc: "Rejected"}
		}
	}()

	if !validMsisdn(req.MSISDN) {
		return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeInvalidMSISDN, ResultDesc: "Invalid MSISDN"}
	}

	if s.cfg.Mpesa.ShortCode != "" && req.BusinessShortCode != s.cfg.Mpesa.ShortCode {
		return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeInvalidShort, ResultDesc: "Invalid Shortcode"}
	}

	prefix := s.cfg.Business.C2BAccountPrefix
	if prefix != "" && !strings.HasPrefix(req.BillRefNumber, prefix) {
		return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeInvalidAccount, ResultDesc: "Invalid Account Number"}
	}

	amount, err := strconv.ParseFloat(req.TransAmount, 64)
	if err != nil || amount <= 0 {
		return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeInvalidAmount, ResultDesc: "Invalid Amount"}
	}
	if s.cfg.Business.C2BMinAmount > 0 && amount < s.cfg.Business.C2BMinAmount {
		return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeInvalidAmount, ResultDesc: "Invalid Amount"}
	}
	if s.cfg.Business.C2BMaxAmount > 0 && amount > s.cfg.Business.C2BMaxAmount {
		return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeInvalidAmount, ResultDesc: "Invalid Amount"}
	}

	return &mpesa.C2BResponse{ResultCode: mpesa.C2BCodeAccepted, ResultDesc: "Accepted"}
}

// Confirm 确认阶段：落库入账记录
//
// 【关键点】钱已经转走了，拒绝确认挽回不了任何东西，所以无条件
// 回成功。本地落库失败只记日志，绝不作为拒绝透给网关。
func (s *C2BService) Confirm(ctx context.Context, req *mpesa.C2BRequest, raw string) *mpesa.C2BResponse {
	success := &mpesa.C2BResponse{ResultCode: "0", ResultDesc: "Success"}

	existing, err := s.depositRepo.GetByMpesaTransID(ctx, req.TransID)
	if err != nil {
		log.Printf("[C2B] 入账查重失败: transID=%s, err=%v", req.TransID, err)
		return success
	}
	if existing != nil {
		log.Printf("[C2B] 确认回调重放，已有入账记录: transID=%s, depositNo=%s", req.TransID, existing.DepositNo)
		return success
	}

	amount, err := strconv.ParseFloat(req.TransAmount, 64)
	if err != nil {
		log.Printf("[C2B] 确认回调金额无法解析: transID=%s, amount=%q", req.TransID, req.TransAmount)
	}

	deposit := &model.Deposit{
		DepositNo:     s.gen.GenerateDepositNo(),
		MpesaTransID:  req.TransID,
		TransTime:     req.TransTime,
		Amount:        amount,
		Msisdn:        req.MSISDN,
		BillRefNumber: req.BillRefNumber,
		ShortCode:     req.BusinessShortCode,
		PayerName:     req.PayerName(),
		Status:        model.DepositStatusCompleted,
		RawPayload:    raw,
	}
	if err := s.depositRepo.Create(ctx, nil, deposit); err != nil {
		log.Printf("[C2B] 入账落库失败: transID=%s, err=%v", req.TransID, err)
		return success
	}

	log.Printf("[C2B] 入账完成: depositNo=%s, transID=%s, amount=%.2f",
		deposit.DepositNo, req.TransID, amount)
	return success
}

// validMsisdn 付款方号码的业务校验（格式校验在路由层已做）
// 肯尼亚号码 2547XXXXXXXX / 2541XXXXXXXX，12 位纯数字
func validMsisdn(msisdn string) bool {
	if len(msisdn) != 12 || !strings.HasPrefix(msisdn, "254") {
		return false
	}
	for _, c := range msisdn {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
