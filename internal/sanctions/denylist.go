package sanctions

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ListOFAC is the list name of the built-in entries.
const ListOFAC = "ofac_sdn"

// builtinOFAC holds publicly announced OFAC SDN crypto addresses.
var builtinOFAC = []string{
	"0x8589427373d6d84e98730d7795d8f6f8731fda16", // Tornado Cash: Ethereum pool
	"0x722122df12d4e14e13ac3b6895a86e84145b6967", // Tornado Cash: router
	"0xd4b88df4d29f5cedd6857912842cff3b20c8cfa3", // Tornado Cash: USDC pool
	"0x910cbd523d972eb0a6f4cae4618ad62622b39dbf", // Tornado Cash: 10 ETH
	"0xa160cdab225685da1d56aa342ad8841c3b53f291", // Tornado Cash: 100 ETH
	"0x098b716b8aaf21512996dc57eb0615e2383e2f96", // Lazarus: Ronin bridge
	"0xa0e1c89ef1a489c9c7de96311ed5ce5d32c20e4b", // Lazarus: Horizon bridge
	"0x57f1887a8bf19b14fc0df6fd9b2acc9af147ea85", // Blender.io
	"0x4f47bc496083c727c5fbe3ce9cdf2b0f6496270c", // Sinbad.io
}

// denylistFile is the on-disk format:
//
//	lists:
//	  ofac_sdn:
//	    - 0x...
//	  internal_blocklist:
//	    - 0x...
type denylistFile struct {
	Lists map[string][]string `yaml:"lists"`
}

// Denylist is the local exact-match list. Addresses are stored lowercase.
type Denylist struct {
	entries *xsync.Map[string, []string] // address -> sorted list names
}

// NewDenylist returns a denylist seeded with the built-in OFAC entries.
func NewDenylist() *Denylist {
	d := &Denylist{entries: xsync.NewMap[string, []string]()}
	for _, a := range builtinOFAC {
		d.Add(a, ListOFAC)
	}
	return d
}

// Add puts addr on list. Invalid addresses are ignored.
func (d *Denylist) Add(addr, list string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !common.IsHexAddress(addr) {
		return false
	}
	d.entries.Compute(addr, func(old []string, _ bool) ([]string, xsync.ComputeOp) {
		for _, l := range old {
			if l == list {
				return old, xsync.CancelOp
			}
		}
		lists := append(append([]string(nil), old...), list)
		sort.Strings(lists)
		return lists, xsync.UpdateOp
	})
	return true
}

// Lookup returns the lists addr appears on.
func (d *Denylist) Lookup(addr string) ([]string, bool) {
	lists, ok := d.entries.Load(strings.ToLower(addr))
	if !ok {
		return nil, false
	}
	return append([]string(nil), lists...), true
}

// Size returns the number of listed addresses.
func (d *Denylist) Size() int { return d.entries.Size() }

// LoadFile merges the lists in a YAML file into d. A missing file is not an
// error. It returns the number of entries read.
func (d *Denylist) LoadFile(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("sanctions: denylist file not found, using built-in list")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sanctions: read denylist: %w", err)
	}

	var f denylistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("sanctions: parse denylist %s: %w", path, err)
	}
	n, bad := 0, 0
	for list, addrs := range f.Lists {
		for _, a := range addrs {
			if d.Add(a, list) {
				n++
			} else {
				bad++
			}
		}
	}
	log.Info().Str("path", path).Int("entries", n).Int("invalid", bad).Int("total", d.Size()).
		Msg("sanctions: denylist loaded")
	return n, nil
}

// Reload replaces d's contents with the built-in list plus the file.
func (d *Denylist) Reload(path string) (int, error) {
	fresh := NewDenylist()
	n, err := fresh.LoadFile(path)
	if err != nil {
		return 0, err
	}
	fresh.entries.Range(func(k string, v []string) bool {
		d.entries.Store(k, v)
		return true
	})
	d.entries.Range(func(k string, _ []string) bool {
		if _, ok := fresh.entries.Load(k); !ok {
			d.entries.Delete(k)
		}
		return true
	})
	return n, nil
}
