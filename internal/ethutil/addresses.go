package ethutil

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressSet is a membership set of venues, ignored endpoints or excluded
// traders.
type AddressSet map[common.Address]struct{}

func NewAddressSet(addrs ...common.Address) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Add(addrs ...common.Address) {
	for _, a := range addrs {
		s[a] = struct{}{}
	}
}

func (s AddressSet) Has(a common.Address) bool {
	_, ok := s[a]
	return ok
}

// Sorted lists the members in byte order.
func (s AddressSet) Sorted() []common.Address {
	out := make([]common.Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	return SortedAddresses(out)
}

// ParseAddresses reads config entries, each a single address or a list
// separated by commas, semicolons or whitespace. Order is kept and repeats
// are dropped, so the first entry (the pair) stays first. The zero address
// is rejected: it would match mints and burns.
func ParseAddresses(entries []string) ([]common.Address, error) {
	var out []common.Address
	seen := make(AddressSet)
	for _, entry := range entries {
		parts := strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
		})
		for _, p := range parts {
			if !common.IsHexAddress(p) {
				return nil, fmt.Errorf("invalid hex address %q", p)
			}
			a := common.HexToAddress(p)
			if (a == common.Address{}) {
				return nil, fmt.Errorf("zero address in %q", entry)
			}
			if seen.Has(a) {
				continue
			}
			seen.Add(a)
			out = append(out, a)
		}
	}
	return out, nil
}

func SortedAddresses(addrs []common.Address) []common.Address {
	out := append([]common.Address(nil), addrs...)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

// AddressTopics left-pads addresses into indexed-topic form for log filters.
func AddressTopics(addrs []common.Address) []common.Hash {
	out := make([]common.Hash, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, common.BytesToHash(a.Bytes()))
	}
	return out
}

func HexList(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Hex())
	}
	return out
}
