// Package faucet 封装测试网水龙头的资格查询与领取接口。
package faucet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

const defaultTimeout = 120 * time.Second

// Claim 是领取接口返回的单个代币结果。
type Claim struct {
	Tx          string      `json:"tx"`
	Amount      json.Number `json:"amount"`
	TokenSymbol string      `json:"tokenSymbol"`
	Success     bool        `json:"success"`
	Message     string      `json:"message"`
}

// Client 调用水龙头 HTTP 接口。每个执行单元持有自己的实例，以便走各自的代理。
type Client struct {
	baseURL    string
	origin     string
	httpClient *http.Client
	solver     Solver
	log        *slog.Logger
}

// NewClient 根据配置创建客户端。httpClient 为空时使用带超时的默认客户端。
func NewClient(cfg config.FaucetConfig, httpClient *http.Client, solver Solver) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if solver == nil {
		solver = UnavailableSolver{}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		origin:     strings.TrimRight(strings.TrimSpace(cfg.Origin), "/"),
		httpClient: httpClient,
		solver:     solver,
		log:        logger.Named("faucet"),
	}
}

// Eligible 查询地址当前能否领取 token。
func (c *Client) Eligible(ctx context.Context, address common.Address, token string) (bool, error) {
	query := url.Values{}
	query.Set("address", address.Hex())
	query.Set("tokens", token)
	endpoint := c.baseURL + "/faucet/multi-eligibility?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("构建资格查询请求失败: %w", err)
	}
	var decoded struct {
		Results map[string]struct {
			Eligible bool `json:"eligible"`
		} `json:"results"`
	}
	if err := c.do(req, &decoded); err != nil {
		return false, err
	}
	result, ok := decoded.Results[token]
	return ok && result.Eligible, nil
}

// Request 提交领取请求。
func (c *Client) Request(ctx context.Context, address common.Address, token, captcha string) ([]Claim, error) {
	payload, err := json.Marshal(map[string]any{
		"address":        address.Hex(),
		"turnstileToken": captcha,
		"tokens":         []string{token},
	})
	if err != nil {
		return nil, fmt.Errorf("序列化领取请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/faucet/multi-request", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建领取请求失败: %w", err)
	}
	var decoded struct {
		Results []Claim `json:"results"`
	}
	if err := c.do(req, &decoded); err != nil {
		return nil, err
	}
	return decoded.Results, nil
}

// Claim 完成一次完整领取：资格检查、验证码、领取请求。
// 不可领取时返回 FAUCET_INELIGIBLE；验证码失败返回 CAPTCHA_UNAVAILABLE，
// 调用方应据此停止后续代币。
func (c *Client) Claim(ctx context.Context, address common.Address, token string) ([]Claim, error) {
	eligible, err := c.Eligible(ctx, address, token)
	if err != nil {
		metrics.FaucetClaimsTotal.WithLabelValues(token, "error").Inc()
		return nil, xerrors.Wrap(xerrors.CodeFaucetUnavailable, err, "查询领取资格失败")
	}
	if !eligible {
		metrics.FaucetClaimsTotal.WithLabelValues(token, "ineligible").Inc()
		return nil, xerrors.New(xerrors.CodeFaucetIneligible, fmt.Sprintf("代币 %s 当前不可领取", token))
	}

	captcha, err := c.solver.Solve(ctx)
	if err != nil || strings.TrimSpace(captcha) == "" {
		metrics.FaucetClaimsTotal.WithLabelValues(token, "captcha").Inc()
		return nil, xerrors.Wrap(xerrors.CodeCaptchaUnavailable, err, "验证码获取失败")
	}

	claims, err := c.Request(ctx, address, token, captcha)
	if err != nil {
		metrics.FaucetClaimsTotal.WithLabelValues(token, "error").Inc()
		return nil, xerrors.Wrap(xerrors.CodeFaucetUnavailable, err, "领取请求失败")
	}
	if len(claims) == 0 {
		metrics.FaucetClaimsTotal.WithLabelValues(token, "empty").Inc()
		return nil, xerrors.New(xerrors.CodeFaucetUnavailable, fmt.Sprintf("代币 %s 没有返回领取结果", token))
	}
	c.log.Debug("水龙头返回领取结果", slog.String("token", token), slog.Int("count", len(claims)))
	for _, claim := range claims {
		result := "failed"
		if claim.Success {
			result = "success"
		}
		metrics.FaucetClaimsTotal.WithLabelValues(token, result).Inc()
	}
	return claims, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+"/")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求水龙头失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("水龙头返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析水龙头响应失败: %w", err)
	}
	return nil
}
