package detect

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nexus-trading/chainintel/internal/model"
)

// liquidationCall describes one lending-protocol liquidation entry point.
type liquidationCall struct {
	name string
	args int // static 32-byte words after the selector
}

// liquidationSelectors maps 4-byte selectors to their call shape.
var liquidationSelectors = map[string]liquidationCall{
	"0x00a718a9": {name: "aave.liquidationCall", args: 5},             // liquidationCall(address,address,address,uint256,bool)
	"0xf5e3c462": {name: "compound.liquidateBorrow", args: 3},         // liquidateBorrow(address,uint256,address)
	"0xaae40a2a": {name: "compound.liquidateBorrow(cether)", args: 2}, // liquidateBorrow(address,address)
}

// LiquidationTargets are the known liquidation entry points (lower-case).
var LiquidationTargets = map[string]string{
	"0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9": "aave_v2",
	"0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2": "aave_v3",
	"0x4ddc2d193948926d02f9b1fe9e1daa0718270ed5": "compound_ceth",
	"0x39aa39c021dfbae8fac545936693ac917d5e7563": "compound_cusdc",
	"0x5d3a536e4d6dbd6114cc1ead35777bab948e3643": "compound_cdai",
}

// LiquidationConfig configures liquidation detection.
type LiquidationConfig struct {
	ExtraTargets map[string]string `yaml:"extra_targets"` // address -> protocol
}

// Liquidation is one detected liquidation call.
type Liquidation struct {
	Tx         model.Transaction
	Protocol   string
	Call       string
	Confidence float64
}

type liquidationDetector struct {
	targets map[string]string
}

func newLiquidationDetector(cfg LiquidationConfig) *liquidationDetector {
	targets := make(map[string]string, len(LiquidationTargets)+len(cfg.ExtraTargets))
	for a, p := range LiquidationTargets {
		targets[a] = p
	}
	for a, p := range cfg.ExtraTargets {
		targets[strings.ToLower(a)] = p
	}
	return &liquidationDetector{targets: targets}
}

// match reports whether tx is a liquidation. An exact payload length is
// strong evidence; trailing bytes lower the confidence; a short payload
// is not a liquidation.
func (d *liquidationDetector) match(tx model.Transaction) (Liquidation, bool) {
	protocol, ok := d.targets[tx.To]
	if !ok {
		return Liquidation{}, false
	}
	sel := tx.Selector()
	if sel == nil {
		return Liquidation{}, false
	}
	call, ok := liquidationSelectors[hexutil.Encode(sel)]
	if !ok {
		return Liquidation{}, false
	}
	want := 4 + 32*call.args
	switch {
	case len(tx.Input) == want:
		return Liquidation{Tx: tx, Protocol: protocol, Call: call.name, Confidence: 0.9}, true
	case len(tx.Input) > want:
		return Liquidation{Tx: tx, Protocol: protocol, Call: call.name, Confidence: 0.7}, true
	}
	return Liquidation{}, false
}
