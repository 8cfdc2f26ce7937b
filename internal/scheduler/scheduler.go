// Package scheduler 把账户按批次分发给相互隔离的执行单元，并汇总每个单元的结果。
//
// 同一批次内的单元并发运行；只有当前批次全部进入终态（成功、失败、超时或崩溃）后，
// 才会在固定间隔后启动下一批。单元之间不共享可变状态，结果通过 channel 回传。
package scheduler

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ChainPilot/internal/account"
	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/report"
	"ChainPilot/internal/sequencer"
	"ChainPilot/pkg/logger"
)

const (
	defaultBatchPause   = 3 * time.Second
	defaultUnitDeadline = 24 * time.Hour
	recordTimeout       = 10 * time.Second
)

// Runner 执行单个账户的完整任务流程。
type Runner interface {
	Run(ctx context.Context, acct account.Account, proxyURL string) (sequencer.Report, error)
}

// RunnerFunc 允许用普通函数实现 Runner。
type RunnerFunc func(ctx context.Context, acct account.Account, proxyURL string) (sequencer.Report, error)

// Run 调用函数本身。
func (f RunnerFunc) Run(ctx context.Context, acct account.Account, proxyURL string) (sequencer.Report, error) {
	return f(ctx, acct, proxyURL)
}

// ProxyFunc 返回某个账户序号对应的代理地址，空串表示直连。
type ProxyFunc func(ordinal int) string

// Limits 描述批次大小、批次间隔和单元期限。
type Limits struct {
	Concurrency  int
	BatchPause   time.Duration
	UnitDeadline time.Duration
}

// LimitsFromSettings 从配置推导调度限制。
func LimitsFromSettings(s *config.Settings) Limits {
	return Limits{
		Concurrency:  s.MaxConcurrency(),
		BatchPause:   s.Concurrency.BatchPause,
		UnitDeadline: s.Concurrency.UnitDeadline,
	}
}

// Scheduler 负责批次调度。
type Scheduler struct {
	runner     Runner
	limits     Limits
	sink       report.Sink
	sinkDriver string
	alerts     alerting.Dispatcher
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
	log        *slog.Logger
	runID      string
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithSink 指定结果存储及其驱动名（用于指标标签）。
func WithSink(sink report.Sink, driver string) Option {
	return func(s *Scheduler) {
		s.sink = sink
		s.sinkDriver = driver
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerts = d
	}
}

// WithSleep 替换批次间的等待实现。
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// WithRunID 固定本次运行的 ID。
func WithRunID(id string) Option {
	return func(s *Scheduler) {
		s.runID = id
	}
}

// New 构造 Scheduler。
func New(runner Runner, limits Limits, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		limits: limits,
		sleep:  sequencer.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.limits.Concurrency < 1 {
		s.limits.Concurrency = 1
	}
	if s.limits.BatchPause < 0 {
		s.limits.BatchPause = defaultBatchPause
	}
	if s.limits.UnitDeadline <= 0 {
		s.limits.UnitDeadline = defaultUnitDeadline
	}
	if s.log == nil {
		s.log = logger.Named("scheduler")
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return s
}

// RunID 返回本次运行的 ID。
func (s *Scheduler) RunID() string { return s.runID }

// Summary 汇总一次完整运行。
type Summary struct {
	RunID     string
	Total     int
	Batches   int
	Succeeded int
	Failed    int
	// NotStarted 是因上下文取消而未被调度的账户数。
	NotStarted int
	Results    []report.TaskResult
	Failures   []report.TaskResult
	Duration   time.Duration
}

// OK 表示所有账户都已执行且全部成功。
func (s Summary) OK() bool {
	return s.Failed == 0 && s.NotStarted == 0
}

func (s *Summary) add(r report.TaskResult) {
	s.Results = append(s.Results, r)
	if r.Success {
		s.Succeeded++
		return
	}
	s.Failed++
	s.Failures = append(s.Failures, r)
}

// Run 依次执行全部批次。只有上下文被取消时才返回错误，此时 Summary 仍包含已完成的结果。
func (s *Scheduler) Run(ctx context.Context, accounts []account.Account, proxyFor ProxyFunc) (Summary, error) {
	if proxyFor == nil {
		proxyFor = func(int) string { return "" }
	}
	started := s.now()
	summary := Summary{RunID: s.runID, Total: len(accounts)}
	size := s.limits.Concurrency

	s.log.Info("开始调度",
		slog.String("run_id", s.runID),
		slog.Int("accounts", len(accounts)),
		slog.Int("concurrency", size),
	)

	var runErr error
	for start := 0; start < len(accounts); start += size {
		if start > 0 {
			s.log.Info("批次间暂停", slog.Duration("pause", s.limits.BatchPause))
			if err := s.sleep(ctx, s.limits.BatchPause); err != nil {
				runErr = err
				summary.NotStarted = len(accounts) - start
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			summary.NotStarted = len(accounts) - start
			break
		}
		end := min(start+size, len(accounts))
		summary.Batches++
		metrics.BatchesTotal.Inc()
		s.log.Info("启动批次",
			slog.Int("batch", summary.Batches),
			slog.Int("from", start+1),
			slog.Int("to", end),
		)
		for _, r := range s.runBatch(ctx, accounts[start:end], proxyFor) {
			summary.add(r)
		}
	}

	summary.Duration = s.now().Sub(started)
	s.logSummary(summary)
	if runErr != nil {
		return summary, xerrors.Wrap(xerrors.CodeCanceled, runErr, "调度被中断")
	}
	return summary, nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch []account.Account, proxyFor ProxyFunc) []report.TaskResult {
	results := make(chan report.TaskResult, len(batch))
	var g errgroup.Group
	g.SetLimit(s.limits.Concurrency)
	for _, acct := range batch {
		proxyURL := proxyFor(acct.Index)
		g.Go(func() error {
			results <- s.runUnit(ctx, acct, proxyURL)
			return nil
		})
	}
	// 单元从不返回错误，结果与失败都经由 results 传递。
	_ = g.Wait()
	close(results)

	out := make([]report.TaskResult, 0, len(batch))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

type unitOutcome struct {
	report sequencer.Report
	err    error
}

func (s *Scheduler) runUnit(parent context.Context, acct account.Account, proxyURL string) report.TaskResult {
	ctx, cancel := context.WithTimeout(parent, s.limits.UnitDeadline)
	defer cancel()

	metrics.ActiveUnits.Inc()
	defer metrics.ActiveUnits.Dec()

	started := s.now()
	done := make(chan unitOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("执行单元崩溃",
					slog.Int("account", acct.Index+1),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				done <- unitOutcome{err: xerrors.New(xerrors.CodeUnitCrashed, fmt.Sprintf("执行单元崩溃: %v", rec))}
			}
		}()
		rep, err := s.runner.Run(ctx, acct, proxyURL)
		done <- unitOutcome{report: rep, err: err}
	}()

	var out unitOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		// 单元没有按时响应取消时不再等待它。
		out.err = interruption(ctx)
	}
	if out.err != nil {
		if _, ok := xerrors.From(out.err); !ok {
			out.err = xerrors.Wrap(xerrors.CodeUnknown, out.err, "执行单元失败")
		}
	}

	finished := s.now()
	result := report.TaskResult{
		RunID:      s.runID,
		Account:    acct.Index,
		Address:    acct.Address.Hex(),
		Task:       acct.Task,
		Success:    out.err == nil,
		Confirmed:  out.report.Confirmed,
		Skipped:    out.report.Skipped,
		Failed:     out.report.Failed,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	if out.err != nil {
		result.Code = string(xerrors.CodeOf(out.err))
		result.Error = out.err.Error()
	}
	s.finish(parent, result, out.err)
	return result
}

func interruption(ctx context.Context) error {
	if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "执行单元超过期限")
	}
	return xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "执行单元被取消")
}

// finish 记录日志、指标、结果存储和告警。结果存储失败不会影响单元结果。
func (s *Scheduler) finish(parent context.Context, r report.TaskResult, err error) {
	metrics.ObserveUnit(r.Success, r.Code, r.Duration())

	attrs := []any{
		slog.Int("account", r.Account+1),
		slog.String("address", r.Address),
		slog.Int("confirmed", r.Confirmed),
		slog.Int("skipped", r.Skipped),
		slog.Int("failed", r.Failed),
		slog.Duration("duration", r.Duration()),
	}
	if r.Success {
		s.log.Info("账户执行成功", attrs...)
	} else {
		s.log.Error("账户执行失败", append(attrs, slog.String("code", r.Code), slog.String("error", r.Error))...)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), recordTimeout)
	defer cancel()

	if s.sink != nil {
		if sinkErr := s.sink.Record(ctx, r); sinkErr != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.sinkDriver).Inc()
			s.log.Warn("写入结果存储失败",
				slog.String("driver", s.sinkDriver),
				slog.Int("account", r.Account+1),
				slog.Any("error", sinkErr),
			)
		}
	}

	if err == nil || s.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    r.Error,
		Severity:   xerrors.SeverityOf(err),
		RunID:      r.RunID,
		Account:    r.Account + 1,
		Address:    r.Address,
		OccurredAt: r.FinishedAt,
	}
	if alertErr := s.alerts.Notify(ctx, event); alertErr != nil {
		s.log.Warn("发送告警失败", slog.Any("error", alertErr), slog.String("code", string(event.Code)))
	}
}

func (s *Scheduler) logSummary(sum Summary) {
	s.log.Info("运行汇总",
		slog.String("run_id", sum.RunID),
		slog.Int("total", sum.Total),
		slog.Int("batches", sum.Batches),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("failed", sum.Failed),
		slog.Int("not_started", sum.NotStarted),
		slog.Duration("duration", sum.Duration),
	)
	for _, f := range sum.Failures {
		s.log.Warn("失败账户",
			slog.Int("account", f.Account+1),
			slog.String("address", f.Address),
			slog.String("code", f.Code),
			slog.String("error", f.Error),
		)
	}
}
