// Package sequencer 把任务编号映射为单个账户内按序执行的链上动作。
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/faucet"
	"ChainPilot/internal/pipeline"
	"ChainPilot/pkg/logger"
)

// Actions 是序列器依赖的交易流水线能力，由 *pipeline.Pipeline 实现。
type Actions interface {
	Address() common.Address
	Transfer(ctx context.Context, recipient common.Address) (pipeline.Outcome, error)
	Wrap(ctx context.Context) (pipeline.Outcome, error)
	Unwrap(ctx context.Context) (pipeline.Outcome, error)
	Deposit(ctx context.Context) (pipeline.Outcome, error)
	Withdraw(ctx context.Context) (pipeline.Outcome, error)
	SwapWETHToUSDC(ctx context.Context) (pipeline.Outcome, error)
	SwapUSDCToWETH(ctx context.Context) (pipeline.Outcome, error)
}

// Faucet 是水龙头领取能力，由 *faucet.Client 实现。
type Faucet interface {
	Claim(ctx context.Context, address common.Address, token string) ([]faucet.Claim, error)
}

// Report 汇总一次序列执行中各动作的结果。
type Report struct {
	Tasks     []int
	Confirmed int
	Skipped   int
	Failed    int
	Claims    int
	Outcomes  []pipeline.Outcome
}

// Actions 返回已执行的链上动作数量。
func (r Report) Actions() int { return r.Confirmed + r.Skipped + r.Failed }

func (r *Report) add(out pipeline.Outcome) {
	if out.Approval != nil {
		r.add(*out.Approval)
	}
	r.Outcomes = append(r.Outcomes, out)
	switch out.Status {
	case pipeline.StatusConfirmed:
		r.Confirmed++
	case pipeline.StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Sequencer 在单个执行单元内顺序运行任务，不做任何重试。
type Sequencer struct {
	actions    Actions
	faucet     Faucet
	tasks      config.TasksConfig
	delays     config.DelaysConfig
	recipients []common.Address
	rng        *rand.Rand
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// Option 定制 Sequencer。
type Option func(*Sequencer)

// WithRand 注入随机源，影响收款地址与延迟的抽取。
func WithRand(r *rand.Rand) Option {
	return func(s *Sequencer) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithSleep 替换重复动作之间的等待函数。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.log = l
		}
	}
}

// New 创建序列器。faucet 可以为空，此时水龙头任务被跳过。
func New(actions Actions, fc Faucet, tasks config.TasksConfig, delays config.DelaysConfig, recipients []common.Address, opts ...Option) *Sequencer {
	s := &Sequencer{
		actions:    actions,
		faucet:     fc,
		tasks:      tasks,
		delays:     delays,
		recipients: recipients,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		sleep:      Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("sequencer")
	}
	return s
}

// Sleep 等待 d 或直到 ctx 结束。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run 执行任务 task；task 为 9 时依次执行 TasksConfig.IDs，未知编号被跳过。
// 单个动作失败不会中断序列，只有 ctx 结束才返回错误。
func (s *Sequencer) Run(ctx context.Context, task int) (Report, error) {
	var report Report
	if task != config.TaskAll {
		if !known(task) {
			return report, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知任务编号 %d", task))
		}
		report.Tasks = append(report.Tasks, task)
		return report, s.runTask(ctx, task, &report)
	}

	for _, id := range s.tasks.IDs {
		if id == config.TaskAll || !known(id) {
			s.log.Warn("跳过未知任务编号", slog.Int("task", id))
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Tasks = append(report.Tasks, id)
		if err := s.runTask(ctx, id, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func known(id int) bool {
	return id >= config.TaskFaucet && id < config.TaskAll
}

func (s *Sequencer) runTask(ctx context.Context, id int, report *Report) error {
	s.log.Info("开始执行任务", slog.Int("task", id), slog.String("name", TaskName(id)))
	switch id {
	case config.TaskFaucet:
		return s.runFaucet(ctx, report)
	case config.TaskTransfer:
		return s.runTransfers(ctx, report)
	case config.TaskDeposit:
		return s.once(ctx, report, s.actions.Deposit)
	case config.TaskWithdraw:
		return s.once(ctx, report, s.actions.Withdraw)
	case config.TaskWrap:
		return s.once(ctx, report, s.actions.Wrap)
	case config.TaskUnwrap:
		return s.once(ctx, report, s.actions.Unwrap)
	case config.TaskSwapWETHUSDC:
		return s.repeat(ctx, report, s.tasks.NumberOfSwap, s.actions.SwapWETHToUSDC)
	case config.TaskSwapUSDCWETH:
		return s.repeat(ctx, report, s.tasks.NumberOfSwap, s.actions.SwapUSDCToWETH)
	}
	return nil
}

func (s *Sequencer) once(ctx context.Context, report *Report, action func(context.Context) (pipeline.Outcome, error)) error {
	out, _ := action(ctx)
	report.add(out)
	return ctx.Err()
}

func (s *Sequencer) repeat(ctx context.Context, report *Report, n int, action func(context.Context) (pipeline.Outcome, error)) error {
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
		out, _ := action(ctx)
		report.add(out)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) runTransfers(ctx context.Context, report *Report) error {
	targets := s.transferTargets()
	s.log.Info("开始转账", slog.Int("count", len(targets)))
	for i, to := range targets {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
		out, _ := s.actions.Transfer(ctx, to)
		report.add(out)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// transferTargets 在 NumberOfTransfer 为 0 时按顺序向每个收款地址转账一次；
// 否则每次随机选择一个不同于自身的地址，列表为空时生成新地址。
func (s *Sequencer) transferTargets() []common.Address {
	if s.tasks.NumberOfTransfer == 0 {
		targets := make([]common.Address, 0, len(s.recipients))
		for _, r := range s.recipients {
			if r != s.actions.Address() {
				targets = append(targets, r)
			}
		}
		return targets
	}
	targets := make([]common.Address, 0, s.tasks.NumberOfTransfer)
	for i := 0; i < s.tasks.NumberOfTransfer; i++ {
		targets = append(targets, s.randomRecipient())
	}
	return targets
}

func (s *Sequencer) randomRecipient() common.Address {
	candidates := make([]common.Address, 0, len(s.recipients))
	for _, r := range s.recipients {
		if r != s.actions.Address() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) > 0 {
		return candidates[s.rng.IntN(len(candidates))]
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		// 密钥生成只在熵源不可用时失败，此时退回到随机字节。
		var addr common.Address
		for i := range addr {
			addr[i] = byte(s.rng.UintN(256))
		}
		return addr
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

func (s *Sequencer) runFaucet(ctx context.Context, report *Report) error {
	if s.faucet == nil {
		s.log.Warn("未配置水龙头客户端，跳过领取")
		return nil
	}
	for _, token := range s.tasks.FaucetTokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
		claims, err := s.faucet.Claim(ctx, s.actions.Address(), token)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			switch xerrors.CodeOf(err) {
			case xerrors.CodeFaucetIneligible:
				s.log.Warn("代币当前不可领取", slog.String("token", token))
				continue
			case xerrors.CodeCaptchaUnavailable:
				s.log.Error("验证码获取失败，停止领取", slog.String("token", token), slog.Any("error", err))
				return nil
			default:
				s.log.Error("水龙头领取失败", slog.String("token", token), slog.Any("error", err))
				continue
			}
		}
		for _, claim := range claims {
			if claim.Success {
				report.Claims++
				logger.Audit().Info("faucet claimed",
					slog.String("address", s.actions.Address().Hex()),
					slog.String("token", claim.TokenSymbol),
					slog.String("amount", claim.Amount.String()),
					slog.String("tx", claim.Tx))
				continue
			}
			msg := claim.Message
			if msg == "" {
				msg = "unknown"
			}
			logger.Audit().Warn("faucet claim failed",
				slog.String("address", s.actions.Address().Hex()),
				slog.String("token", claim.TokenSymbol),
				slog.String("reason", msg))
		}
	}
	return nil
}

func (s *Sequencer) pause(ctx context.Context) error {
	d := s.delays.BetweenRequests.Duration(s.rng)
	if d > 0 {
		s.log.Debug("等待下一次请求", slog.Duration("delay", d))
	}
	return s.sleep(ctx, d)
}

// TaskName 返回任务编号的可读名称。
func TaskName(id int) string {
	switch id {
	case config.TaskFaucet:
		return "faucet"
	case config.TaskTransfer:
		return "transfer"
	case config.TaskDeposit:
		return "deposit"
	case config.TaskWithdraw:
		return "withdraw"
	case config.TaskWrap:
		return "wrap"
	case config.TaskUnwrap:
		return "unwrap"
	case config.TaskSwapWETHUSDC:
		return "swap_weth_usdc"
	case config.TaskSwapUSDCWETH:
		return "swap_usdc_weth"
	case config.TaskAll:
		return "all"
	}
	return "unknown"
}
