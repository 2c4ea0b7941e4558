package normalize

// ---------------------------------------------------------------------------
// Known contract registry (Ethereum mainnet)
// A transaction with calldata sent to one of these counts as a contract
// interaction. Extend at runtime with AddKnownContract or via config.
// ---------------------------------------------------------------------------

// KnownContracts maps lower-cased contract addresses to a label.
var KnownContracts = map[string]string{
	// DEX routers
	"0x7a250d5630b4cf539739df2c5dacb4c659f2488d": "uniswap_v2_router",
	"0xe592427a0aece92de3edee1f18e0157c05861564": "uniswap_v3_router",
	"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45": "uniswap_v3_router02",
	"0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad": "uniswap_universal_router",
	"0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f": "sushiswap_router",
	"0x1111111254eeb25477b68fb85ed929f73a960582": "1inch_v5_router",

	// Pools
	"0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc": "uniswap_v2_usdc_weth",
	"0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640": "uniswap_v3_usdc_weth_500",

	// Tokens
	"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "weth",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "usdc",
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "usdt",

	// Lending
	"0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9": "aave_v2_lending_pool",
	"0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2": "aave_v3_pool",
	"0x4ddc2d193948926d02f9b1fe9e1daa0718270ed5": "compound_ceth",
	"0x39aa39c021dfbae8fac545936693ac917d5e7563": "compound_cusdc",
	"0x5d3a536e4d6dbd6114cc1ead35777bab948e3643": "compound_cdai",
}
