package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc 与 os.LookupEnv 签名一致，便于测试注入。
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	keys  []string
	apply func(s *Settings, value string) error
}

// envBindings 保留原脚本的变量名（包括 MAX_THEADS 的拼写）。
var envBindings = []envBinding{
	{keys: []string{"USE_PROXY"}, apply: func(s *Settings, v string) error {
		s.UseProxy = strings.EqualFold(strings.TrimSpace(v), "true")
		return nil
	}},
	{keys: []string{"MAX_THEADS", "MAX_THREADS"}, apply: intField(func(s *Settings) *int { return &s.Concurrency.MaxThreads })},
	{keys: []string{"MAX_THEADS_NO_PROXY", "MAX_THREADS_NO_PROXY"}, apply: intField(func(s *Settings) *int { return &s.Concurrency.MaxThreadsNoProxy })},
	{keys: []string{"NUMBER_OF_TRANSFER"}, apply: intField(func(s *Settings) *int { return &s.Tasks.NumberOfTransfer })},
	{keys: []string{"NUMBER_OF_SWAP"}, apply: intField(func(s *Settings) *int { return &s.Tasks.NumberOfSwap })},
	{keys: []string{"TASK"}, apply: intField(func(s *Settings) *int { return &s.Tasks.Selected })},
	{keys: []string{"ESTIMATED_GAS"}, apply: func(s *Settings, v string) error {
		gas, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		s.Gas.Transfer = gas
		return nil
	}},
	{keys: []string{"RPC_URL"}, apply: func(s *Settings, v string) error {
		s.Network.RPCURL = strings.TrimSpace(v)
		return nil
	}},
	{keys: []string{"CHAIN_ID"}, apply: func(s *Settings, v string) error {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		s.Network.ChainID = id
		return nil
	}},
	{keys: []string{"TASKS_ID"}, apply: func(s *Settings, v string) error {
		ids, err := parseIntList(v)
		if err != nil {
			return err
		}
		s.Tasks.IDs = ids
		return nil
	}},
	{keys: []string{"TOKENS_FAUCET"}, apply: func(s *Settings, v string) error {
		tokens, err := parseStringList(v)
		if err != nil {
			return err
		}
		s.Tasks.FaucetTokens = tokens
		return nil
	}},
	{keys: []string{"DELAY_BETWEEN_REQUESTS"}, apply: rangeField(func(s *Settings) *Range { return &s.Delays.BetweenRequests })},
	{keys: []string{"DELAY_START_BOT"}, apply: rangeField(func(s *Settings) *Range { return &s.Delays.StartBot })},
	{keys: []string{"AMOUNT_TRANSFER"}, apply: rangeField(func(s *Settings) *Range { return &s.Amounts.Transfer })},
	{keys: []string{"AMOUNT_DEPOSIT"}, apply: rangeField(func(s *Settings) *Range { return &s.Amounts.Deposit })},
	{keys: []string{"AMOUNT_WITHDRAW"}, apply: rangeField(func(s *Settings) *Range { return &s.Amounts.Withdraw })},
	{keys: []string{"AMOUNT_SWAP"}, apply: rangeField(func(s *Settings) *Range { return &s.Amounts.SwapWETH })},
	{keys: []string{"AMOUNT_SWAP_USDC"}, apply: rangeField(func(s *Settings) *Range { return &s.Amounts.SwapUSDC })},
	{keys: []string{"CAPTCHA_TOKEN"}, apply: func(s *Settings, v string) error {
		s.Faucet.CaptchaToken = strings.TrimSpace(v)
		return nil
	}},
	{keys: []string{"RESULTS_DRIVER"}, apply: func(s *Settings, v string) error {
		s.Results.Driver = strings.ToLower(strings.TrimSpace(v))
		return nil
	}},
	{keys: []string{"METRICS_ADDR"}, apply: func(s *Settings, v string) error {
		s.Metrics.Address = strings.TrimSpace(v)
		return nil
	}},
	{keys: []string{"LOG_LEVEL"}, apply: func(s *Settings, v string) error {
		s.Logging.Level = strings.TrimSpace(v)
		return nil
	}},
}

func applyEnv(s *Settings, lookup LookupFunc) error {
	for _, binding := range envBindings {
		for _, key := range binding.keys {
			value, ok := lookup(key)
			if !ok || strings.TrimSpace(value) == "" {
				continue
			}
			if err := binding.apply(s, value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			break
		}
	}
	return nil
}

func intField(field func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(s) = n
		return nil
	}
}

func rangeField(field func(*Settings) *Range) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		r, err := ParseRange(v)
		if err != nil {
			return err
		}
		*field(s) = r
		return nil
	}
}

// parseIntList 接受 [1,2] 或 ['1','2'] 两种写法。
func parseIntList(value string) ([]int, error) {
	var raw []any
	if err := json.Unmarshal([]byte(strings.ReplaceAll(value, "'", "\"")), &raw); err != nil {
		return nil, fmt.Errorf("列表格式错误 %q: %w", value, err)
	}
	ids := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			ids = append(ids, int(v))
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("任务编号 %q 不是整数", v)
			}
			ids = append(ids, n)
		default:
			return nil, fmt.Errorf("不支持的任务编号 %v", item)
		}
	}
	return ids, nil
}

func parseStringList(value string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(strings.ReplaceAll(value, "'", "\"")), &list); err != nil {
		return nil, fmt.Errorf("列表格式错误 %q: %w", value, err)
	}
	return list, nil
}
