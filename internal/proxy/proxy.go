// Package proxy builds proxied HTTP clients and resolves the public exit IP
// of a proxy.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// HTTPClient returns an http.Client routed through proxyURL. An empty proxyURL
// yields a direct client.
func HTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if raw := strings.TrimSpace(proxyURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("代理地址无效: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("代理地址无效 %q", Redact(raw))
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Redact strips credentials from a proxy URL for logging.
func Redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	parsed.User = url.User("***")
	return parsed.String()
}

// IPCache remembers resolved exit IPs.
type IPCache interface {
	Get(ctx context.Context, proxyURL string) (string, bool, error)
	Set(ctx context.Context, proxyURL, ip string, ttl time.Duration) error
}

// Checker resolves exit IPs through an ipify-compatible endpoint.
type Checker struct {
	endpoint string
	timeout  time.Duration
	cache    IPCache
	ttl      time.Duration
}

// Option customises a Checker.
type Option func(*Checker)

// WithCache attaches an IP cache with the given TTL.
func WithCache(cache IPCache, ttl time.Duration) Option {
	return func(c *Checker) {
		c.cache = cache
		c.ttl = ttl
	}
}

// NewChecker constructs a Checker against endpoint.
func NewChecker(endpoint string, timeout time.Duration, opts ...Option) *Checker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Checker{endpoint: endpoint, timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the public IP seen when connecting through proxyURL.
func (c *Checker) Lookup(ctx context.Context, proxyURL string) (string, error) {
	if c.cache != nil {
		if ip, ok, err := c.cache.Get(ctx, proxyURL); err == nil && ok {
			return ip, nil
		}
	}

	client, err := HTTPClient(proxyURL, c.timeout)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("构建 IP 查询请求失败: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("通过 %s 查询出口 IP 失败: %w", Redact(proxyURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("出口 IP 查询返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("解析 IP 查询响应失败: %w", err)
	}
	if payload.IP == "" {
		return "", errors.New("出口 IP 查询未返回地址")
	}

	if c.cache != nil {
		_ = c.cache.Set(ctx, proxyURL, payload.IP, c.ttl)
	}
	return payload.IP, nil
}

// RedisCache stores exit IPs in Redis strings with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, address, password string, db int, prefix string) (*RedisCache, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("未配置 Redis 地址")
	}
	if prefix == "" {
		prefix = "chainpilot:proxy-ip:"
	}
	client := redis.NewClient(&redis.Options{Addr: address, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get implements IPCache.
func (r *RedisCache) Get(ctx context.Context, proxyURL string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+proxyURL).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements IPCache.
func (r *RedisCache) Set(ctx context.Context, proxyURL, ip string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+proxyURL, ip, ttl).Err()
}

// Close releases the Redis connection.
func (r *RedisCache) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
