package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/contracts"
)

const wethDecimals = 18

// Quote 按固定价格计算兑换的预期与最小产出。price 为每单位输入可得的输出代币数，
// 两个结果均向下取整。
func Quote(amountIn *big.Int, inDecimals, outDecimals uint8, price *big.Rat, slippage float64) (expected, minimum *big.Int) {
	r := new(big.Rat).SetInt(amountIn)
	r.Mul(r, price)
	r.Mul(r, new(big.Rat).SetFrac(pow10(outDecimals), pow10(inDecimals)))
	expected = web3.Floor(r)
	minimum = web3.Floor(r.Mul(r, web3.Ratio(slippage)))
	return expected, minimum
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}

// USDCDecimals 只读取一次 USDC 精度，调用失败时回退到配置值。
func (p *Pipeline) USDCDecimals(ctx context.Context) uint8 {
	if p.usdcDec != nil {
		return *p.usdcDec
	}
	d, err := p.client.TokenDecimals(ctx, p.cfg.Contracts.USDC)
	if err != nil {
		d = p.cfg.Policy.USDCDecimals
		p.log.Debug("无法读取 USDC 精度，使用默认值", slog.Int("decimals", int(d)), slog.Any("error", err))
	}
	p.usdcDec = &d
	return d
}

type swapPlan struct {
	action      string
	from, to    common.Address
	inDecimals  uint8
	outDecimals uint8
	price       *big.Rat
	amounts     config.Range
	directions  []uint64
}

// SwapWETHToUSDC 通过路由合约把随机数量的 WETH 兑换为 USDC。
func (p *Pipeline) SwapWETHToUSDC(ctx context.Context) (Outcome, error) {
	return p.record(p.swap(ctx, swapPlan{
		action:      ActionSwapWETHUSDC,
		from:        p.cfg.Contracts.WETH,
		to:          p.cfg.Contracts.USDC,
		inDecimals:  wethDecimals,
		outDecimals: p.USDCDecimals(ctx),
		price:       web3.Ratio(p.cfg.Policy.USDCPerWETH),
		amounts:     p.cfg.Amounts.SwapWETH,
		directions:  []uint64{0, 1},
	}))
}

// SwapUSDCToWETH 通过路由合约把随机数量的 USDC 兑换为 WETH。
func (p *Pipeline) SwapUSDCToWETH(ctx context.Context) (Outcome, error) {
	price := web3.Ratio(p.cfg.Policy.USDCPerWETH)
	if price.Sign() != 0 {
		price.Inv(price)
	}
	return p.record(p.swap(ctx, swapPlan{
		action:      ActionSwapUSDCWETH,
		from:        p.cfg.Contracts.USDC,
		to:          p.cfg.Contracts.WETH,
		inDecimals:  p.USDCDecimals(ctx),
		outDecimals: wethDecimals,
		price:       price,
		amounts:     p.cfg.Amounts.SwapUSDC,
		directions:  []uint64{1, 0},
	}))
}

func (p *Pipeline) swap(ctx context.Context, plan swapPlan) (Outcome, error) {
	out := Outcome{Action: plan.action}

	fees, err := p.client.FeeSnapshot(ctx)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "读取手续费数据失败")
	}
	fee := fees.Fee(p.cfg.Gas.Swap)
	out.Fee = fee

	amount := web3.ToBaseUnits(plan.amounts.Draw(p.rng), plan.inDecimals)
	out.Amount = amount
	if amount.Sign() <= 0 {
		return p.skip(out, "兑换金额取整后为零")
	}

	tokenBalance, err := p.client.TokenBalance(ctx, plan.from, p.account.Address)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "查询代币余额失败")
	}
	if tokenBalance.Cmp(amount) < 0 {
		return p.skip(out, fmt.Sprintf("代币余额不足: 可用 %s, 需要 %s",
			web3.FromBaseUnits(tokenBalance, plan.inDecimals), web3.FromBaseUnits(amount, plan.inDecimals)))
	}
	native, err := p.client.Balance(ctx, p.account.Address)
	if err != nil {
		return p.fail(out, xerrors.CodeSubmission, err, "查询余额失败")
	}
	if native.Cmp(fee) < 0 {
		return p.skip(out, fmt.Sprintf("余额不足以支付手续费: 可用 %s, 需要 %s",
			web3.FromBaseUnits(native, 18), web3.FromBaseUnits(fee, 18)))
	}

	expected, minimum := Quote(amount, plan.inDecimals, plan.outDecimals, plan.price, p.cfg.Policy.SlippageRatio)

	approval, err := p.ensureAllowance(ctx, plan.from, p.cfg.Contracts.RouteProxy, amount)
	out.Approval = approval
	if err != nil {
		return p.fail(out, xerrors.CodeAllowance, err, "授权未完成，未发起兑换")
	}

	deadline := big.NewInt(p.now().Add(p.cfg.Policy.SwapDeadline).Unix())
	var lastErr error
	var last Outcome
	for i, direction := range plan.directions {
		data, err := contracts.PackMixSwap(contracts.MixSwap{
			FromToken:       plan.from,
			ToToken:         plan.to,
			FromTokenAmount: amount,
			ExpReturnAmount: expected,
			MinReturnAmount: minimum,
			MixAdapters:     p.cfg.Route.Adapters,
			MixPairs:        p.cfg.Route.Pairs,
			AssetTo:         p.cfg.Route.AssetTo,
			Directions:      direction,
			MoreInfos:       p.cfg.Route.MoreInfos,
			FeeData:         p.cfg.Route.FeeData,
			Deadline:        deadline,
		})
		if err != nil {
			return p.fail(out, xerrors.CodeSubmission, err, "编码 mixSwap 失败")
		}
		c := call{to: p.cfg.Contracts.RouteProxy, data: data, gas: p.swapGas(ctx, data)}

		p.log.Info("尝试兑换", slog.String("action", plan.action), slog.Uint64("directions", direction), slog.Int("attempt", i+1))
		res, err := p.submit(ctx, out, c, fees)
		res.Attempts = i + 1
		if err == nil {
			metrics.SwapAttemptsTotal.WithLabelValues(strconv.FormatUint(direction, 10), "confirmed").Inc()
			return res, nil
		}
		metrics.SwapAttemptsTotal.WithLabelValues(strconv.FormatUint(direction, 10), "failed").Inc()
		p.log.Warn("兑换尝试失败", slog.Uint64("directions", direction), slog.Any("error", err))
		last, lastErr = res, err
		if ctx.Err() != nil {
			break
		}
	}
	return last, lastErr
}

// swapGas 估算 mixSwap 的 gas，失败时回退到配置上限。
func (p *Pipeline) swapGas(ctx context.Context, data []byte) uint64 {
	to := p.cfg.Contracts.RouteProxy
	gas, err := p.client.EstimateGas(ctx, gethcore.CallMsg{From: p.account.Address, To: &to, Data: data})
	if err != nil || gas == 0 {
		return p.cfg.Gas.Swap
	}
	return gas
}

// ensureAllowance 在当前授权额度不足时为 spender 精确授权 amount 并等待确认。
// 无需授权时返回的结果为 nil。
func (p *Pipeline) ensureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) (*Outcome, error) {
	allowance, err := p.client.TokenAllowance(ctx, token, p.account.Address, spender)
	if err != nil {
		return nil, fmt.Errorf("查询授权额度失败: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	approval, err := p.Approve(ctx, token, spender, amount)
	return &approval, err
}

// Approve 为 spender 授权恰好 amount 的额度。
func (p *Pipeline) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (Outcome, error) {
	out := Outcome{Action: ActionApprove, Amount: amount}

	fees, err := p.client.FeeSnapshot(ctx)
	if err != nil {
		return p.record(p.fail(out, xerrors.CodeSubmission, err, "读取手续费数据失败"))
	}
	fee := fees.Fee(p.cfg.Gas.Approve)
	out.Fee = fee
	native, err := p.client.Balance(ctx, p.account.Address)
	if err != nil {
		return p.record(p.fail(out, xerrors.CodeSubmission, err, "查询余额失败"))
	}
	if native.Cmp(fee) < 0 {
		return p.record(p.skip(out, "余额不足以支付授权手续费"))
	}

	data, err := contracts.PackApprove(spender, amount)
	if err != nil {
		return p.record(p.fail(out, xerrors.CodeSubmission, err, "编码 approve 失败"))
	}
	return p.record(p.submit(ctx, out, call{to: token, data: data, gas: p.cfg.Gas.Approve}, fees))
}

// IsSkip 判断 err 表示的是跳过而非失败。
func IsSkip(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeInsufficientFunds) || xerrors.HasCode(err, xerrors.CodeInvalidArgument)
}
