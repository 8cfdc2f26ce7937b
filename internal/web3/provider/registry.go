package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ChainPilot/internal/config"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/ethereum"
)

// Registry manages the known networks keyed by human readable names and
// dials a fresh client per execution unit.
type Registry struct {
	defaultChain string
	chains       map[string]web3.ChainDefinition
	timeout      time.Duration
	rate         float64
	burst        int
}

// NewRegistry merges the optional definitions file with the network from
// settings. The settings network is registered under its name unless the
// file already defines it.
func NewRegistry(network config.NetworkConfig, limits config.RateLimitConfig) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(network.Definitions)
	if err != nil {
		return nil, err
	}

	chains := make(map[string]web3.ChainDefinition, len(defs.Chains)+1)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		chains[name] = chain
	}

	name := strings.TrimSpace(network.Name)
	if name == "" {
		name = "default"
	}
	if _, ok := chains[name]; !ok && strings.TrimSpace(network.RPCURL) != "" {
		chains[name] = web3.ChainDefinition{
			Type:     "evm",
			RPCURL:   network.RPCURL,
			ChainID:  network.ChainID,
			Explorer: network.Explorer,
		}
	}
	if len(chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := strings.TrimSpace(defs.Default)
	if defaultChain == "" {
		if _, ok := chains[name]; ok {
			defaultChain = name
		} else {
			defaultChain = defs.Names()[0]
		}
	}
	if _, ok := chains[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{
		defaultChain: defaultChain,
		chains:       chains,
		timeout:      network.RequestTimeout,
		rate:         limits.RequestsPerSecond,
		burst:        limits.Burst,
	}, nil
}

// Default returns the name and definition of the default chain.
func (r *Registry) Default() (string, web3.ChainDefinition) {
	return r.defaultChain, r.chains[r.defaultChain]
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	return web3.ChainDefinitions{Chains: r.chains}.Names()
}

// Dial connects to the default chain through proxyURL.
func (r *Registry) Dial(ctx context.Context, proxyURL string) (web3.Client, error) {
	return r.DialChain(ctx, r.defaultChain, proxyURL)
}

// DialChain connects to the named chain through proxyURL. Every call returns
// an independent client with its own rate limiter.
func (r *Registry) DialChain(ctx context.Context, name, proxyURL string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	chain, ok := r.chains[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:           name,
		RPCURL:         chain.RPCURL,
		ProxyURL:       proxyURL,
		RequestTimeout: r.timeout,
		RatePerSecond:  r.rate,
		Burst:          r.burst,
		Notes:          chain.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}
	return client, nil
}
