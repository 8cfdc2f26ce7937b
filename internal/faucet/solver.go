package faucet

import (
	"context"
	"strings"

	xerrors "ChainPilot/internal/errors"
)

// Solver 为领取请求提供 Turnstile 验证码令牌。
type Solver interface {
	Solve(ctx context.Context) (string, error)
}

// StaticSolver 返回预先配置的令牌，适用于人工获取令牌或测试。
type StaticSolver string

// Solve 返回固定令牌。
func (s StaticSolver) Solve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", xerrors.New(xerrors.CodeCaptchaUnavailable, "未配置验证码令牌")
	}
	return token, nil
}

// UnavailableSolver 总是失败，用于未配置验证码的场景。
type UnavailableSolver struct{}

// Solve 返回 CAPTCHA_UNAVAILABLE。
func (UnavailableSolver) Solve(context.Context) (string, error) {
	return "", xerrors.New(xerrors.CodeCaptchaUnavailable, "")
}

// SolverFromConfig 有令牌时返回 StaticSolver，否则返回 UnavailableSolver。
func SolverFromConfig(token string) Solver {
	if strings.TrimSpace(token) == "" {
		return UnavailableSolver{}
	}
	return StaticSolver(token)
}
