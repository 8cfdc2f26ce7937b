package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// 任务编号与交互菜单保持一致。
const (
	TaskFaucet       = 1
	TaskTransfer     = 2
	TaskDeposit      = 3
	TaskWithdraw     = 4
	TaskWrap         = 5
	TaskUnwrap       = 6
	TaskSwapWETHUSDC = 7
	TaskSwapUSDCWETH = 8
	TaskAll          = 9
)

// Settings 是一次运行中只读的全部配置，解析完成后不再修改。
type Settings struct {
	Network     NetworkConfig     `yaml:"network"`
	Contracts   ContractsConfig   `yaml:"contracts"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	UseProxy    bool              `yaml:"use_proxy"`
	Amounts     AmountsConfig     `yaml:"amounts"`
	Delays      DelaysConfig      `yaml:"delays"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Gas         GasConfig         `yaml:"gas"`
	Policy      PolicyConfig      `yaml:"policy"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Faucet      FaucetConfig      `yaml:"faucet"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Data        DataConfig        `yaml:"data"`
	Results     ResultsConfig     `yaml:"results"`
	Logging     logger.Config     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// NetworkConfig 描述目标链。Definitions 指向可选的多链 YAML 描述文件。
type NetworkConfig struct {
	Name           string        `yaml:"name"`
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	Explorer       string        `yaml:"explorer"`
	Definitions    string        `yaml:"definitions"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ContractsConfig 保存链上合约地址以及 DODO 路由参数。
type ContractsConfig struct {
	WETH        string      `yaml:"weth"`
	USDC        string      `yaml:"usdc"`
	Gateway     string      `yaml:"gateway"`
	GatewayPool string      `yaml:"gateway_pool"`
	RouteProxy  string      `yaml:"route_proxy"`
	Route       RouteConfig `yaml:"route"`
}

// RouteConfig 是 mixSwap 的路由提示。
type RouteConfig struct {
	Adapters  []string `yaml:"adapters"`
	Pairs     []string `yaml:"pairs"`
	AssetTo   []string `yaml:"asset_to"`
	MoreInfos []string `yaml:"more_infos"`
	FeeData   string   `yaml:"fee_data"`
}

// ConcurrencyConfig 控制批次大小和单个账户的执行期限。
type ConcurrencyConfig struct {
	MaxThreads        int           `yaml:"max_threads"`
	MaxThreadsNoProxy int           `yaml:"max_threads_no_proxy"`
	BatchPause        time.Duration `yaml:"batch_pause"`
	UnitDeadline      time.Duration `yaml:"unit_deadline"`
}

// AmountsConfig 为每类动作提供随机金额区间。
type AmountsConfig struct {
	Transfer Range `yaml:"transfer"`
	Wrap     Range `yaml:"wrap"`
	Unwrap   Range `yaml:"unwrap"`
	Deposit  Range `yaml:"deposit"`
	Withdraw Range `yaml:"withdraw"`
	SwapWETH Range `yaml:"swap_weth"`
	SwapUSDC Range `yaml:"swap_usdc"`
}

// DelaysConfig 的区间单位为秒。
type DelaysConfig struct {
	BetweenRequests Range `yaml:"between_requests"`
	StartBot        Range `yaml:"start_bot"`
}

// TasksConfig 指定本次运行的任务。Selected 为 9 时按 IDs 顺序执行。
type TasksConfig struct {
	Selected         int      `yaml:"selected"`
	IDs              []int    `yaml:"ids"`
	FaucetTokens     []string `yaml:"faucet_tokens"`
	NumberOfTransfer int      `yaml:"number_of_transfer"`
	NumberOfSwap     int      `yaml:"number_of_swap"`
}

// GasConfig 是各动作固定的 gas 上限。
type GasConfig struct {
	Transfer uint64 `yaml:"transfer"`
	Wrap     uint64 `yaml:"wrap"`
	Gateway  uint64 `yaml:"gateway"`
	Approve  uint64 `yaml:"approve"`
	Swap     uint64 `yaml:"swap"`
}

// PolicyConfig 汇总金额调整与滑点相关的常量。
type PolicyConfig struct {
	AdjustRatio   float64       `yaml:"adjust_ratio"`
	SlippageRatio float64       `yaml:"slippage_ratio"`
	USDCPerWETH   float64       `yaml:"usdc_per_weth"`
	SwapDeadline  time.Duration `yaml:"swap_deadline"`
	USDCDecimals  uint8         `yaml:"usdc_decimals"`
}

// RateLimitConfig 限制单个账户对 RPC 的请求速率。
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// FaucetConfig 描述水龙头接口。
type FaucetConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Origin       string        `yaml:"origin"`
	Timeout      time.Duration `yaml:"timeout"`
	CaptchaToken string        `yaml:"captcha_token"`
}

// ProxyConfig 描述代理出口 IP 的探测方式。
type ProxyConfig struct {
	IPCheckURL string        `yaml:"ip_check_url"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// DataConfig 指向账户、收款地址和代理列表文件。
type DataConfig struct {
	Dir         string `yaml:"dir"`
	PrivateKeys string `yaml:"private_keys"`
	Wallets     string `yaml:"wallets"`
	Proxies     string `yaml:"proxies"`
}

// ResultsConfig 选择执行结果的落地方式。
type ResultsConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// MetricsConfig 为空地址时不启动指标服务。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertsConfig 配置告警 webhook。
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default 返回与原始脚本一致的默认配置。
func Default() Settings {
	return Settings{
		Network: NetworkConfig{
			Name:           "RISE Testnet",
			RPCURL:         "https://testnet.riselabs.xyz",
			ChainID:        11155931,
			Explorer:       "https://explorer.testnet.riselabs.xyz",
			RequestTimeout: 60 * time.Second,
		},
		Contracts: ContractsConfig{
			WETH:        "0x4200000000000000000000000000000000000006",
			GatewayPool: "0x81edb206Fd1FB9dC517B61793AaA0325c8d11A23",
			Route: RouteConfig{
				Adapters:  []string{"0x0f9053E174c123098C17e60A2B1FAb3b303f9e29"},
				Pairs:     []string{"0xc7E2B7C2519bB911bA4a1eeE246Cb05ACb0b1df1"},
				MoreInfos: []string{"0x00"},
				FeeData:   "0x" + strings.Repeat("00", 64),
			},
		},
		Concurrency: ConcurrencyConfig{
			MaxThreads:        10,
			MaxThreadsNoProxy: 10,
			BatchPause:        3 * time.Second,
			UnitDeadline:      24 * time.Hour,
		},
		Amounts: AmountsConfig{
			Transfer: Range{Min: 0.001, Max: 0.01},
			Deposit:  Range{Min: 0.1, Max: 1},
			Withdraw: Range{Min: 0.1, Max: 1},
			SwapWETH: Range{Min: 0.1, Max: 1},
			SwapUSDC: Range{Min: 1, Max: 5},
		},
		Delays: DelaysConfig{
			BetweenRequests: Range{Min: 1, Max: 5},
			StartBot:        Range{Min: 1, Max: 15},
		},
		Tasks: TasksConfig{
			NumberOfTransfer: 10,
			NumberOfSwap:     10,
		},
		Gas: GasConfig{
			Transfer: 200000,
			Wrap:     95312,
			Gateway:  310079,
			Approve:  100000,
			Swap:     300000,
		},
		Policy: PolicyConfig{
			AdjustRatio:   0.85,
			SlippageRatio: 0.968,
			USDCPerWETH:   1071.568,
			SwapDeadline:  time.Hour,
			USDCDecimals:  6,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		Faucet: FaucetConfig{
			BaseURL: "https://faucet-api.riselabs.xyz",
			Origin:  "https://portal.risechain.com",
			Timeout: 120 * time.Second,
		},
		Proxy: ProxyConfig{
			IPCheckURL: "https://api.ipify.org?format=json",
			Timeout:    30 * time.Second,
			CacheTTL:   10 * time.Minute,
		},
		Data: DataConfig{
			PrivateKeys: "privateKeys.txt",
			Wallets:     "wallets.txt",
			Proxies:     "proxies.txt",
		},
		Results: ResultsConfig{Driver: "log"},
		Logging: logger.Config{Level: "info", Format: "text"},
		Alerts:  AlertsConfig{Timeout: 10 * time.Second},
	}
}

// Load 依次合并默认值、YAML 文件、.env 文件和进程环境变量。
// path 为空时跳过 YAML；envFile 为空时尝试读取工作目录下的 .env。
// 调用方在叠加命令行参数后需要再调用 Validate。
func Load(path, envFile string) (*Settings, error) {
	settings := Default()
	baseDir := "."

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		if err := yaml.Unmarshal(content, &settings); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 .env 文件失败")
	}
	if err := applyEnv(&settings, os.LookupEnv); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析环境变量失败")
	}

	settings.applyDefaults(baseDir)
	return &settings, nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		err := godotenv.Load()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(envFile)
}

// applyDefaults 补全派生字段，并把相对路径解析到配置文件所在目录。
func (s *Settings) applyDefaults(baseDir string) {
	if s.Amounts.Wrap.IsZero() {
		// 包装金额沿用存款下限与取款上限。
		s.Amounts.Wrap = Range{Min: s.Amounts.Deposit.Min, Max: s.Amounts.Withdraw.Max}
	}
	if s.Amounts.Unwrap.IsZero() {
		s.Amounts.Unwrap = s.Amounts.Transfer
	}
	if len(s.Contracts.Route.AssetTo) == 0 && len(s.Contracts.Route.Pairs) > 0 && s.Contracts.RouteProxy != "" {
		s.Contracts.Route.AssetTo = []string{s.Contracts.Route.Pairs[0], s.Contracts.RouteProxy}
	}
	if s.Results.Driver == "" {
		s.Results.Driver = "log"
	}
	if s.Policy.USDCDecimals == 0 {
		s.Policy.USDCDecimals = 6
	}

	if s.Data.Dir == "" {
		s.Data.Dir = baseDir
	} else if !filepath.IsAbs(s.Data.Dir) {
		s.Data.Dir = filepath.Join(baseDir, s.Data.Dir)
	}
	s.Data.PrivateKeys = resolve(s.Data.Dir, s.Data.PrivateKeys)
	s.Data.Wallets = resolve(s.Data.Dir, s.Data.Wallets)
	s.Data.Proxies = resolve(s.Data.Dir, s.Data.Proxies)
	if s.Results.Path != "" {
		s.Results.Path = resolve(s.Data.Dir, s.Results.Path)
	}
	if s.Network.Definitions != "" {
		s.Network.Definitions = resolve(baseDir, s.Network.Definitions)
	}
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate 检查配置的一致性，失败时返回 CONFIGURATION_INVALID。
func (s *Settings) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(s.Network.RPCURL) == "" {
		add("network.rpc_url 不能为空")
	}
	if s.Concurrency.MaxThreads < 1 || s.Concurrency.MaxThreadsNoProxy < 1 {
		add("并发上限必须至少为 1")
	}
	if s.Concurrency.UnitDeadline <= 0 {
		add("concurrency.unit_deadline 必须为正数")
	}
	if s.Concurrency.BatchPause < 0 {
		add("concurrency.batch_pause 不能为负数")
	}
	if s.Tasks.Selected < TaskFaucet || s.Tasks.Selected > TaskAll {
		add("任务编号 %d 超出范围 1-9", s.Tasks.Selected)
	}
	if s.Tasks.NumberOfTransfer < 0 || s.Tasks.NumberOfSwap < 0 {
		add("重复次数不能为负数")
	}
	if s.Policy.AdjustRatio <= 0 || s.Policy.AdjustRatio > 1 {
		add("policy.adjust_ratio 必须在 (0, 1] 之间")
	}
	if s.Policy.SlippageRatio <= 0 || s.Policy.SlippageRatio > 1 {
		add("policy.slippage_ratio 必须在 (0, 1] 之间")
	}
	if s.Policy.USDCPerWETH <= 0 {
		add("policy.usdc_per_weth 必须为正数")
	}

	ranges := map[string]Range{
		"amounts.transfer":        s.Amounts.Transfer,
		"amounts.wrap":            s.Amounts.Wrap,
		"amounts.unwrap":          s.Amounts.Unwrap,
		"amounts.deposit":         s.Amounts.Deposit,
		"amounts.withdraw":        s.Amounts.Withdraw,
		"amounts.swap_weth":       s.Amounts.SwapWETH,
		"amounts.swap_usdc":       s.Amounts.SwapUSDC,
		"delays.between_requests": s.Delays.BetweenRequests,
		"delays.start_bot":        s.Delays.StartBot,
	}
	for name, r := range ranges {
		if !r.Valid() {
			add("%s 区间无效 %s", name, r)
		}
	}

	for _, name := range s.requiredContracts() {
		value := s.contractAddress(name)
		if value == "" {
			add("contracts.%s 未配置", name)
		} else if !common.IsHexAddress(value) {
			add("contracts.%s 不是合法地址: %s", name, value)
		}
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveTasks 返回实际会执行的任务编号序列。
func (s *Settings) EffectiveTasks() []int {
	if s.Tasks.Selected == TaskAll {
		return append([]int(nil), s.Tasks.IDs...)
	}
	return []int{s.Tasks.Selected}
}

// MaxConcurrency 根据是否使用代理选择并发上限。
func (s *Settings) MaxConcurrency() int {
	n := s.Concurrency.MaxThreadsNoProxy
	if s.UseProxy {
		n = s.Concurrency.MaxThreads
	}
	if n < 1 {
		return 1
	}
	return n
}

func (s *Settings) requiredContracts() []string {
	need := map[string]bool{}
	for _, id := range s.EffectiveTasks() {
		switch id {
		case TaskDeposit, TaskWithdraw:
			need["gateway"] = true
			need["gateway_pool"] = true
		case TaskWrap, TaskUnwrap:
			need["weth"] = true
		case TaskSwapWETHUSDC, TaskSwapUSDCWETH:
			need["weth"] = true
			need["usdc"] = true
			need["route_proxy"] = true
		}
	}
	ordered := make([]string, 0, len(need))
	for _, name := range []string{"weth", "usdc", "gateway", "gateway_pool", "route_proxy"} {
		if need[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

func (s *Settings) contractAddress(name string) string {
	switch name {
	case "weth":
		return s.Contracts.WETH
	case "usdc":
		return s.Contracts.USDC
	case "gateway":
		return s.Contracts.Gateway
	case "gateway_pool":
		return s.Contracts.GatewayPool
	case "route_proxy":
		return s.Contracts.RouteProxy
	}
	return ""
}
