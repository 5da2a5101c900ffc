package ethutil

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	pair   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	router = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	pool2  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

func TestParseAddressesKeepsPairFirst(t *testing.T) {
	got, err := ParseAddresses([]string{pair.Hex(), pool2.Hex() + ", " + router.Hex(), pair.Hex()})
	if err != nil {
		t.Fatalf("ParseAddresses: %v", err)
	}
	want := []common.Address{pair, pool2, router}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%s, want %s", i, got[i].Hex(), want[i].Hex())
		}
	}
}

func TestParseAddressesRejects(t *testing.T) {
	for name, entries := range map[string][]string{
		"not hex": {"0xnotanaddress"},
		"zero":    {pair.Hex() + ";0x0000000000000000000000000000000000000000"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseAddresses(entries); err == nil {
				t.Fatalf("expected error for %v", entries)
			}
		})
	}
}

func TestParseAddressesEmpty(t *testing.T) {
	got, err := ParseAddresses([]string{"", "  \n"})
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil, nil", got, err)
	}
}

func TestAddressSet(t *testing.T) {
	s := NewAddressSet(router, pair)
	s.Add(pair, pool2)
	if !s.Has(pool2) || s.Has(common.Address{}) {
		t.Fatalf("membership wrong: %v", s)
	}
	sorted := s.Sorted()
	if len(sorted) != 3 || sorted[0] != pair || sorted[2] != pool2 {
		t.Fatalf("sorted = %v", HexList(sorted))
	}
}

func TestAddressTopicsPadLeft(t *testing.T) {
	topics := AddressTopics([]common.Address{pair})
	if topics[0] != common.HexToHash("0xa1") {
		t.Fatalf("topic = %s", topics[0].Hex())
	}
}
