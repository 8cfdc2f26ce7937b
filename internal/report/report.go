// Package report 记录每个执行单元的最终结果，并按配置写入不同的存储。
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// TaskResult 是一个账户执行单元的终态。
type TaskResult struct {
	RunID      string    `json:"run_id"`
	Account    int       `json:"account"`
	Address    string    `json:"address"`
	Task       int       `json:"task"`
	Success    bool      `json:"success"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Confirmed  int       `json:"confirmed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Duration 返回单元耗时。
func (r TaskResult) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// Sink 持久化执行结果。实现必须允许并发调用 Record。
type Sink interface {
	Record(ctx context.Context, result TaskResult) error
	Close() error
}

// 支持的结果驱动。
const (
	DriverLog      = "log"
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Open 根据配置创建结果存储。
func Open(ctx context.Context, cfg config.ResultsConfig) (Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		sink Sink
		err  error
	)
	switch driver {
	case "", DriverLog:
		sink = NewLogSink(logger.Audit())
	case DriverMemory:
		sink = NewMemorySink()
	case DriverFile:
		sink, err = NewFileSink(cfg.Path)
	case DriverMySQL:
		sink, err = NewMySQLSink(ctx, cfg.MySQL)
	case DriverRedis:
		sink, err = NewRedisSink(ctx, cfg.Redis)
	case DriverRabbitMQ:
		sink, err = NewRabbitMQSink(ctx, cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的结果存储驱动: %s", cfg.Driver))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSinkFailure, err, fmt.Sprintf("初始化结果存储 %s 失败", driver))
	}
	return sink, nil
}

// LogSink 只把结果写入审计日志。
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建日志结果存储。
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Audit()
	}
	return &LogSink{log: l}
}

// Record 写一行结果日志。
func (s *LogSink) Record(_ context.Context, r TaskResult) error {
	attrs := []any{
		slog.String("run_id", r.RunID),
		slog.Int("account", r.Account+1),
		slog.String("address", r.Address),
		slog.Int("confirmed", r.Confirmed),
		slog.Int("skipped", r.Skipped),
		slog.Int("failed", r.Failed),
		slog.Duration("duration", r.Duration()),
	}
	if r.Success {
		s.log.Info("unit finished", attrs...)
		return nil
	}
	attrs = append(attrs, slog.String("code", r.Code), slog.String("error", r.Error))
	s.log.Error("unit failed", attrs...)
	return nil
}

// Close 无需释放资源。
func (s *LogSink) Close() error { return nil }

// MemorySink 在内存中保存结果，主要用于测试和 dry run。
type MemorySink struct {
	mu      sync.Mutex
	results []TaskResult
}

// NewMemorySink 创建内存结果存储。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record 追加结果。
func (s *MemorySink) Record(_ context.Context, r TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

// Results 返回结果副本。
func (s *MemorySink) Results() []TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskResult(nil), s.results...)
}

// Close 无需释放资源。
func (s *MemorySink) Close() error { return nil }
