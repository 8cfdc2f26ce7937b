package pipeline

import (
	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/config"
	"ChainPilot/internal/web3/contracts"
)

// Contracts 是流水线交互的合约地址。
type Contracts struct {
	WETH        common.Address
	USDC        common.Address
	Gateway     common.Address
	GatewayPool common.Address
	RouteProxy  common.Address
}

// Route 携带 mixSwap 的路由参数。
type Route struct {
	Adapters  []common.Address
	Pairs     []common.Address
	AssetTo   []common.Address
	MoreInfos [][]byte
	FeeData   []byte
}

// Config 是单次运行内不变的流水线配置。
type Config struct {
	Gas       config.GasConfig
	Amounts   config.AmountsConfig
	Policy    config.PolicyConfig
	Contracts Contracts
	Route     Route
	Explorer  string
}

// ConfigFromSettings 从配置中解析地址与路由参数。
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		Gas:     s.Gas,
		Amounts: s.Amounts,
		Policy:  s.Policy,
		Contracts: Contracts{
			WETH:        common.HexToAddress(s.Contracts.WETH),
			USDC:        common.HexToAddress(s.Contracts.USDC),
			Gateway:     common.HexToAddress(s.Contracts.Gateway),
			GatewayPool: common.HexToAddress(s.Contracts.GatewayPool),
			RouteProxy:  common.HexToAddress(s.Contracts.RouteProxy),
		},
		Route: Route{
			Adapters:  contracts.Addresses(s.Contracts.Route.Adapters),
			Pairs:     contracts.Addresses(s.Contracts.Route.Pairs),
			AssetTo:   contracts.Addresses(s.Contracts.Route.AssetTo),
			MoreInfos: contracts.Bytes(s.Contracts.Route.MoreInfos),
			FeeData:   common.FromHex(s.Contracts.Route.FeeData),
		},
		Explorer: s.Network.Explorer,
	}
}
