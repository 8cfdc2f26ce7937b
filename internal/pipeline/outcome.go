package pipeline

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status 是单个动作的最终状态。
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// 日志、指标与结果中使用的动作名。
const (
	ActionTransfer     = "transfer"
	ActionWrap         = "wrap"
	ActionUnwrap       = "unwrap"
	ActionDeposit      = "deposit"
	ActionWithdraw     = "withdraw"
	ActionApprove      = "approve"
	ActionSwapWETHUSDC = "swap_weth_usdc"
	ActionSwapUSDCWETH = "swap_usdc_weth"
)

// Outcome 描述动作的结束情况。Amount 以所花费资产的最小单位计；交易提交后才会设置
// TxHash 与 Nonce。Approval 记录兑换前先行发送的授权交易（如有）。
type Outcome struct {
	Action      string
	Status      Status
	TxHash      common.Hash
	BlockNumber uint64
	Nonce       uint64
	Amount      *big.Int
	Fee         *big.Int
	Attempts    int
	Reason      string
	Approval    *Outcome
}

// Submitted 判断交易是否已送达节点。
func (o Outcome) Submitted() bool {
	return o.TxHash != (common.Hash{})
}
