package graphstore

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// ---------------------------------------------------------------------------
// Custodial address registry: known exchange hot wallets (Ethereum mainnet)
// Custodial addresses are shared by many unrelated users: edges through them
// never link two addresses into one entity, and flows to/from them drive the
// whale accumulation/distribution detector.
// ---------------------------------------------------------------------------

// KnownCustodial maps lower-cased exchange hot wallet addresses to the venue.
var KnownCustodial = map[string]string{
	// Binance
	"0x28c6c06298d514db089934071355e5743bf21d60": "binance",
	"0xbe0eb53f46cd790cd13851d5eff43d12404d33e8": "binance",
	"0xf977814e90da44bfa03b6295a0616a897441acec": "binance",

	// Coinbase
	"0x71660c4005ba85c37ccec55d0c4493e66fe775d3": "coinbase",
	"0xa9d1e08c7793af67e9d92fe308d5697fb81d3e43": "coinbase",

	// Kraken
	"0x2910543af39aba0cd09dbb2d50200b3e800a63d2": "kraken",
	"0xda9dfa130df4de4673b89022ee50ff26f6ea73cf": "kraken",

	// OKX
	"0x6cc5f688a315f3dc28a7781717a9a798a59fda7b": "okx",

	// Bitfinex
	"0x742d35cc6634c0532925a3b844bc454e4438f44e": "bitfinex",

	// Gemini
	"0xd24400ae8bfebb18ca49be86258a3c749cf46853": "gemini",

	// Bybit
	"0xf89d7b9c864f589bbf53a82105107622b35eaa40": "bybit",

	// Robinhood
	"0x40b38765696e3d5d8d9d834d8aad4bb6e418e489": "robinhood",
}

// Custodial is a concurrency-safe registry of custodial addresses.
type Custodial struct {
	addrs *xsync.Map[string, string]
}

// NewCustodial creates a registry seeded with KnownCustodial plus extra.
func NewCustodial(extra map[string]string) *Custodial {
	c := &Custodial{addrs: xsync.NewMap[string, string]()}
	for addr, venue := range KnownCustodial {
		c.addrs.Store(addr, venue)
	}
	for addr, venue := range extra {
		c.Add(addr, venue)
	}
	return c
}

// Lookup returns the venue for a custodial address.
func (c *Custodial) Lookup(address string) (string, bool) {
	return c.addrs.Load(strings.ToLower(address))
}

// IsCustodial reports whether address is a known custodial wallet.
func (c *Custodial) IsCustodial(address string) bool {
	_, ok := c.Lookup(address)
	return ok
}

// Add registers a custodial address at runtime.
func (c *Custodial) Add(address, venue string) {
	c.addrs.Store(strings.ToLower(address), venue)
}

// Count returns the number of registered custodial addresses.
func (c *Custodial) Count() int {
	return c.addrs.Size()
}

// ShouldCutEdge returns true if an edge touches a custodial address and must
// not be used as clustering evidence.
func (c *Custodial) ShouldCutEdge(from, to string) bool {
	return c.IsCustodial(from) || c.IsCustodial(to)
}
