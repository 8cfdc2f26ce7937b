// Package unit 实现单个账户的执行单元：代理探测、链连接、钱包快照，
// 然后把控制权交给任务序列器。
package unit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/account"
	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/faucet"
	"ChainPilot/internal/pipeline"
	"ChainPilot/internal/proxy"
	"ChainPilot/internal/sequencer"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// Dialer 为每个执行单元建立独立的链客户端，由 *provider.Registry 实现。
type Dialer interface {
	Dial(ctx context.Context, proxyURL string) (web3.Client, error)
}

// IPLookup 解析代理出口 IP，由 *proxy.Checker 实现。
type IPLookup interface {
	Lookup(ctx context.Context, proxyURL string) (string, error)
}

// Runner 按账户构建并运行执行单元。Runner 本身只读，可被多个 goroutine 共享。
type Runner struct {
	settings   *config.Settings
	pipeCfg    pipeline.Config
	dialer     Dialer
	ips        IPLookup
	solver     faucet.Solver
	recipients []common.Address
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option 定制 Runner。
type Option func(*Runner)

// WithIPLookup 设置代理出口 IP 探测器。
func WithIPLookup(l IPLookup) Option {
	return func(r *Runner) { r.ips = l }
}

// WithSolver 设置水龙头验证码求解器。
func WithSolver(s faucet.Solver) Option {
	return func(r *Runner) { r.solver = s }
}

// WithSleep 替换启动延迟与请求间隔的等待函数。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// NewRunner 创建 Runner。
func NewRunner(settings *config.Settings, dialer Dialer, recipients []common.Address, opts ...Option) *Runner {
	r := &Runner{
		settings:   settings,
		pipeCfg:    pipeline.ConfigFromSettings(settings),
		dialer:     dialer,
		recipients: recipients,
		sleep:      sequencer.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.solver == nil {
		r.solver = faucet.SolverFromConfig(settings.Faucet.CaptchaToken)
	}
	return r
}

// Run 执行单个账户的全部任务。返回 nil 表示单元正常结束；
// 动作级别的失败只体现在 Report 中。
func (r *Runner) Run(ctx context.Context, acct account.Account, proxyURL string) (sequencer.Report, error) {
	log := logger.ForAccount(logger.Named("unit"), acct.Index, acct.Address, "")
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(acct.Index)+1))

	var ip string
	if r.settings.UseProxy && proxyURL != "" {
		if r.ips != nil {
			var err error
			ip, err = r.ips.Lookup(ctx, proxyURL)
			if err != nil {
				return sequencer.Report{}, r.interrupted(ctx, xerrors.Wrap(xerrors.CodeConnectivity, err, "代理出口 IP 检测失败"))
			}
			log = logger.ForAccount(logger.Named("unit"), acct.Index, acct.Address, ip)
			log.Info("代理连接正常", slog.String("proxy", proxy.Redact(proxyURL)))
		}
		delay := r.settings.Delays.StartBot.Duration(rng)
		log.Info("延迟启动", slog.Duration("delay", delay))
		if err := r.sleep(ctx, delay); err != nil {
			return sequencer.Report{}, r.interrupted(ctx, err)
		}
	} else {
		proxyURL = ""
	}

	client, err := r.dialer.Dial(ctx, proxyURL)
	if err != nil {
		return sequencer.Report{}, r.interrupted(ctx, xerrors.Wrap(xerrors.CodeConnectivity, err, "连接链节点失败"))
	}
	defer client.Close()

	snap, err := web3.FetchChainSnapshot(ctx, client, r.settings.Network.Name)
	if err != nil {
		return sequencer.Report{}, r.interrupted(ctx, xerrors.Wrap(xerrors.CodeConnectivity, err, "链节点连通性检测失败"))
	}
	chainID := snap.ChainID
	if want := r.settings.Network.ChainID; want != 0 && chainID.Int64() != want {
		log.Warn("节点链 ID 与配置不一致", slog.Int64("configured", want), slog.String("node", chainID.String()))
	}
	log.Info("已连接链节点",
		slog.String("network", snap.Notes),
		slog.String("chain_id", chainID.String()),
		slog.Uint64("block", snap.BlockNumber))

	pipe := pipeline.New(client, acct, chainID, r.pipeCfg,
		pipeline.WithLogger(log),
		pipeline.WithAuditLogger(logger.ForAccount(logger.Audit(), acct.Index, acct.Address, ip)),
		pipeline.WithRand(rng),
	)
	r.logWallet(ctx, log, client, pipe, acct.Address)

	var fc sequencer.Faucet
	if hasTask(r.settings, config.TaskFaucet) {
		httpClient, err := proxy.HTTPClient(proxyURL, r.settings.Faucet.Timeout)
		if err != nil {
			log.Warn("构建水龙头代理客户端失败，改为直连", slog.Any("error", err))
			httpClient = &http.Client{Timeout: r.settings.Faucet.Timeout}
		}
		fc = faucet.NewClient(r.settings.Faucet, httpClient, r.solver)
	}

	seq := sequencer.New(pipe, fc, r.settings.Tasks, r.settings.Delays, r.recipients,
		sequencer.WithLogger(log),
		sequencer.WithRand(rng),
		sequencer.WithSleep(r.sleep),
	)
	report, err := seq.Run(ctx, r.settings.Tasks.Selected)
	if err != nil {
		return report, r.interrupted(ctx, err)
	}
	log.Info("账户任务完成",
		slog.Int("confirmed", report.Confirmed),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return report, nil
}

// interrupted 在 ctx 已结束时把错误归类为超时或取消。
func (r *Runner) interrupted(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "执行单元超时")
	case errors.Is(ctx.Err(), context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, "执行单元被取消")
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeUnknown, err, "执行单元失败")
}

func (r *Runner) logWallet(ctx context.Context, log *slog.Logger, client web3.Client, pipe *pipeline.Pipeline, owner common.Address) {
	attrs := []any{}
	if native, err := client.Balance(ctx, owner); err == nil {
		attrs = append(attrs, slog.String("eth", web3.FromBaseUnits(native, 18)))
	} else {
		log.Debug("读取 ETH 余额失败", slog.Any("error", err))
	}
	if weth := r.pipeCfg.Contracts.WETH; weth != (common.Address{}) {
		if bal, err := client.TokenBalance(ctx, weth, owner); err == nil {
			attrs = append(attrs, slog.String("weth", web3.FromBaseUnits(bal, 18)))
		}
	}
	if usdc := r.pipeCfg.Contracts.USDC; usdc != (common.Address{}) {
		decimals := pipe.USDCDecimals(ctx)
		if bal, err := client.TokenBalance(ctx, usdc, owner); err == nil {
			attrs = append(attrs, slog.String("usdc", web3.FromBaseUnits(bal, decimals)))
		}
	}
	log.Info("钱包余额", attrs...)
}

func hasTask(s *config.Settings, id int) bool {
	for _, t := range s.EffectiveTasks() {
		if t == id {
			return true
		}
	}
	return false
}
