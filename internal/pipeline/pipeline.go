// Package pipeline 负责为单个账户执行一次链上动作：手续费与余额检查、金额调整、
// nonce 分配、签名、广播以及等待确认。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/account"
	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// Pipeline 归属于单个执行单元，不支持并发使用。
type Pipeline struct {
	client  web3.Client
	account account.Account
	chainID *big.Int
	signer  types.Signer
	cfg     Config
	rng     *rand.Rand
	log     *slog.Logger
	audit   *slog.Logger
	now     func() time.Time

	lastNonce uint64
	hasNonce  bool
	usdcDec   *uint8
}

// Option 定制 Pipeline。
type Option func(*Pipeline)

// WithLogger 设置进度日志使用的 logger。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithAuditLogger 设置审计 logger，每个动作结果写一行。
func WithAuditLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.audit = l
		}
	}
}

// WithRand 注入金额抽取使用的随机源。
func WithRand(r *rand.Rand) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.rng = r
		}
	}
}

// WithClock 覆盖兑换截止时间使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New 为 acct 在 chainID 对应的链上构建流水线。
func New(client web3.Client, acct account.Account, chainID *big.Int, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:  client,
		account: acct,
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(acct.Index))),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.ForAccount(logger.Named("pipeline"), acct.Index, acct.Address, "")
	}
	if p.audit == nil {
		p.audit = logger.ForAccount(logger.Audit(), acct.Index, acct.Address, "")
	}
	return p
}

// Address 返回流水线签名所用的账户地址。
func (p *Pipeline) Address() common.Address { return p.account.Address }

// call 是尚未签名的合约调用或转账。
type call struct {
	to    common.Address
	value *big.Int
	data  []byte
	gas   uint64
}

// spend 描述一次消耗余额的动作。
type spend struct {
	action  string
	gas     uint64
	token   *common.Address
	amounts config.Range
	build   func(amount *big.Int) (call, error)
}

// runSpend 实现通用的余额消耗流程：检查手续费、抽取随机金额、至多调整一次，然后提交。
func (p *Pipeline) runSpend(ctx context.Context, s spend) (Outcome, error) {
	out := Outcome{Action: s.action}

	fees, err := p.client.FeeSnapshot(ctx)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "读取手续费数据失败")
	}
	fee := fees.Fee(s.gas)
	out.Fee = fee

	balance, err := p.balanceOf(ctx, s.token)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "查询余额失败")
	}
	if balance.Cmp(fee) < 0 {
		return p.skip(out, fmt.Sprintf("余额不足以支付手续费: 可用 %s, 需要 %s",
			web3.FromBaseUnits(balance, 18), web3.FromBaseUnits(fee, 18)))
	}

	amount := web3.ToBaseUnits(s.amounts.Draw(p.rng), 18)
	if total := new(big.Int).Add(amount, fee); balance.Cmp(total) < 0 {
		amount = web3.MulRatio(new(big.Int).Sub(balance, fee), p.cfg.Policy.AdjustRatio)
		p.log.Warn("余额不足以支付金额，已调整",
			slog.String("action", s.action),
			slog.String("amount", web3.FromBaseUnits(amount, 18)))
	}
	out.Amount = amount
	if amount.Sign() <= 0 {
		return p.skip(out, "扣除手续费后无可用余额")
	}

	c, err := s.build(amount)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "编码调用数据失败")
	}
	return p.submit(ctx, out, c, fees)
}

func (p *Pipeline) balanceOf(ctx context.Context, token *common.Address) (*big.Int, error) {
	if token == nil {
		return p.client.Balance(ctx, p.account.Address)
	}
	return p.client.TokenBalance(ctx, *token, p.account.Address)
}

// nextNonce 取 max(pending, latest)，且不会分配不大于本流水线已提交值的 nonce。
func (p *Pipeline) nextNonce(ctx context.Context) (uint64, error) {
	counts, err := p.client.NonceCounts(ctx, p.account.Address)
	if err != nil {
		return 0, err
	}
	nonce := counts.Next()
	if p.hasNonce && nonce <= p.lastNonce {
		nonce = p.lastNonce + 1
	}
	return nonce, nil
}

// submit 将 c 签名为 EIP-1559 交易并广播，等待一个确认。
func (p *Pipeline) submit(ctx context.Context, out Outcome, c call, fees web3.FeeSnapshot) (Outcome, error) {
	nonce, err := p.nextNonce(ctx)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "获取 nonce 失败")
	}

	value := c.value
	if value == nil {
		value = new(big.Int)
	}
	to := c.to
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       c.gas,
		To:        &to,
		Value:     value,
		Data:      c.data,
	})
	signed, err := types.SignTx(tx, p.signer, p.account.Key)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "签名交易失败")
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "发送交易失败")
	}
	p.lastNonce, p.hasNonce = nonce, true
	out.Nonce = nonce
	out.TxHash = signed.Hash()
	p.log.Info("交易已发送，等待确认",
		slog.String("action", out.Action),
		slog.String("tx", out.TxHash.Hex()),
		slog.Uint64("nonce", nonce))

	receipt, err := bind.WaitMinedHash(ctx, p.client, out.TxHash)
	if err != nil {
		code := xerrors.CodeTimeout
		if errors.Is(err, context.Canceled) {
			code = xerrors.CodeCanceled
		}
		return p.fail(out, code, err, "等待交易回执失败")
	}
	out.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := p.revertReason(ctx, c, value, receipt.BlockNumber)
		return p.fail(out, xerrors.CodeReverted, errors.New(reason), fmt.Sprintf("交易在区块 %d 回滚", out.BlockNumber))
	}
	out.Status = StatusConfirmed
	return out, nil
}

// revertReason 在回执所在区块重放调用以取回回滚原因。
func (p *Pipeline) revertReason(ctx context.Context, c call, value, block *big.Int) string {
	to := c.to
	_, err := p.client.CallContract(ctx, gethcore.CallMsg{
		From:  p.account.Address,
		To:    &to,
		Gas:   c.gas,
		Value: value,
		Data:  c.data,
	}, block)
	if err != nil {
		return err.Error()
	}
	return "执行回滚"
}

func (p *Pipeline) fail(out Outcome, code xerrors.Code, cause error, msg string) (Outcome, error) {
	err := xerrors.Wrap(code, cause, fmt.Sprintf("%s: %s", out.Action, msg))
	out.Status = StatusFailed
	out.Reason = err.Error()
	return out, err
}

func (p *Pipeline) skip(out Outcome, reason string) (Outcome, error) {
	err := xerrors.New(xerrors.CodeInsufficientFunds, fmt.Sprintf("%s: %s", out.Action, reason))
	out.Status = StatusSkipped
	out.Reason = reason
	return out, err
}

// record 为动作写入唯一的结果日志并计数。
func (p *Pipeline) record(out Outcome, err error) (Outcome, error) {
	metrics.ObserveAction(out.Action, string(out.Status))
	attrs := []any{slog.String("action", out.Action)}
	if out.Amount != nil {
		attrs = append(attrs, slog.String("amount", out.Amount.String()))
	}
	if out.Attempts > 0 {
		attrs = append(attrs, slog.Int("attempts", out.Attempts))
	}
	switch out.Status {
	case StatusConfirmed:
		attrs = append(attrs,
			slog.Uint64("block", out.BlockNumber),
			slog.String("tx", out.TxHash.Hex()))
		if link := web3.TxURL(p.cfg.Explorer, out.TxHash.Hex()); link != "" {
			attrs = append(attrs, slog.String("explorer", link))
		}
		p.audit.Info("链上动作已确认", attrs...)
	case StatusSkipped:
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.String("reason", out.Reason))
		p.audit.Warn("链上动作已跳过", attrs...)
	default:
		if out.Submitted() {
			attrs = append(attrs, slog.String("tx", out.TxHash.Hex()))
		}
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.String("reason", out.Reason))
		p.audit.Error("链上动作失败", attrs...)
	}
	return out, err
}
