package pipeline

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3/contracts"
)

// Transfer 向 recipient 转出随机数量的原生代币，收款方为自身时跳过。
func (p *Pipeline) Transfer(ctx context.Context, recipient common.Address) (Outcome, error) {
	if recipient == p.account.Address {
		out := Outcome{Action: ActionTransfer, Status: StatusSkipped, Reason: "收款地址与发送地址相同"}
		return p.record(out, xerrors.New(xerrors.CodeInvalidArgument, "transfer: 收款地址与发送地址相同"))
	}
	return p.record(p.runSpend(ctx, spend{
		action:  ActionTransfer,
		gas:     p.cfg.Gas.Transfer,
		amounts: p.cfg.Amounts.Transfer,
		build: func(amount *big.Int) (call, error) {
			return call{to: recipient, value: amount, gas: p.cfg.Gas.Transfer}, nil
		},
	}))
}

// Wrap 将原生代币存入 WETH。
func (p *Pipeline) Wrap(ctx context.Context) (Outcome, error) {
	weth := p.cfg.Contracts.WETH
	return p.record(p.runSpend(ctx, spend{
		action:  ActionWrap,
		gas:     p.cfg.Gas.Wrap,
		amounts: p.cfg.Amounts.Wrap,
		build: func(amount *big.Int) (call, error) {
			data, err := contracts.PackWrap()
			return call{to: weth, value: amount, data: data, gas: p.cfg.Gas.Wrap}, err
		},
	}))
}

// Unwrap 将 WETH 取回为原生代币，手续费检查针对 WETH 余额。
func (p *Pipeline) Unwrap(ctx context.Context) (Outcome, error) {
	weth := p.cfg.Contracts.WETH
	return p.record(p.runSpend(ctx, spend{
		action:  ActionUnwrap,
		gas:     p.cfg.Gas.Wrap,
		token:   &weth,
		amounts: p.cfg.Amounts.Unwrap,
		build: func(amount *big.Int) (call, error) {
			data, err := contracts.PackUnwrap(amount)
			return call{to: weth, data: data, gas: p.cfg.Gas.Wrap}, err
		},
	}))
}

// Deposit 向借贷网关存入原生代币。
func (p *Pipeline) Deposit(ctx context.Context) (Outcome, error) {
	gateway, pool := p.cfg.Contracts.Gateway, p.cfg.Contracts.GatewayPool
	return p.record(p.runSpend(ctx, spend{
		action:  ActionDeposit,
		gas:     p.cfg.Gas.Gateway,
		amounts: p.cfg.Amounts.Deposit,
		build: func(amount *big.Int) (call, error) {
			data, err := contracts.PackGatewayDeposit(pool, p.account.Address)
			return call{to: gateway, value: amount, data: data, gas: p.cfg.Gas.Gateway}, err
		},
	}))
}

// Withdraw 从借贷网关取回原生代币。
func (p *Pipeline) Withdraw(ctx context.Context) (Outcome, error) {
	gateway, pool := p.cfg.Contracts.Gateway, p.cfg.Contracts.GatewayPool
	return p.record(p.runSpend(ctx, spend{
		action:  ActionWithdraw,
		gas:     p.cfg.Gas.Gateway,
		amounts: p.cfg.Amounts.Withdraw,
		build: func(amount *big.Int) (call, error) {
			data, err := contracts.PackGatewayWithdraw(pool, amount, p.account.Address)
			return call{to: gateway, data: data, gas: p.cfg.Gas.Gateway}, err
		},
	}))
}
