package classify

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	pair   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	pair2  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	user   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	engine = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func transferLog(from, to common.Address, value uint64) types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		TxHash:      common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		BlockHash:   common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		BlockNumber: 123,
		Index:       7,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: new(big.Int).SetUint64(value).FillBytes(make([]byte, 32)),
	}
}

func TestDecodeTransferLog(t *testing.T) {
	tr, err := DecodeTransferLog(transferLog(pair, user, 42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.From != pair || tr.To != user {
		t.Fatalf("endpoint mismatch: from=%s to=%s", tr.From.Hex(), tr.To.Hex())
	}
	if tr.Value.String() != "42" {
		t.Fatalf("value mismatch: %s", tr.Value)
	}
	if tr.LogIndex != 7 || tr.BlockNumber != 123 {
		t.Fatalf("cursor mismatch: block=%d idx=%d", tr.BlockNumber, tr.LogIndex)
	}

	t.Run("malformed", func(t *testing.T) {
		bad := transferLog(pair, user, 1)
		bad.Data = bad.Data[:31]
		if _, err := DecodeTransferLog(bad); err == nil {
			t.Fatalf("expected error for short data")
		}

		bad = transferLog(pair, user, 1)
		bad.Topics = bad.Topics[:2]
		if _, err := DecodeTransferLog(bad); err == nil {
			t.Fatalf("expected error for missing topic")
		}

		bad = transferLog(pair, user, 1)
		bad.Topics[0] = common.HexToHash("0x01")
		if _, err := DecodeTransferLog(bad); err == nil {
			t.Fatalf("expected error for foreign event")
		}
	})
}

func TestClassify(t *testing.T) {
	c := New([]common.Address{pair, pair2}, engine)

	decode := func(from, to common.Address, v uint64) Transfer {
		tr, err := DecodeTransferLog(transferLog(from, to, v))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return *tr
	}

	t.Run("buy", func(t *testing.T) {
		tr, ok := c.Classify(decode(pair, user, 10))
		if !ok || !tr.IsBuy || tr.Trader != user {
			t.Fatalf("expected buy by user, got ok=%v %+v", ok, tr)
		}
		if tr.Key != Key(tr.TxHash, 7) {
			t.Fatalf("unexpected key %q", tr.Key)
		}
	})

	t.Run("sell on second venue", func(t *testing.T) {
		tr, ok := c.Classify(decode(user, pair2, 10))
		if !ok || tr.IsBuy || tr.Trader != user {
			t.Fatalf("expected sell by user, got ok=%v %+v", ok, tr)
		}
	})

	ignored := []struct {
		name     string
		from, to common.Address
		value    uint64
	}{
		{"wallet to wallet", user, engine, 10},
		{"venue to venue", pair, pair2, 10},
		{"mint", common.Address{}, user, 10},
		{"burn", pair, BurnAddress, 10},
		{"engine payout", pair, engine, 10},
		{"zero value", pair, user, 0},
		{"no venue", user, common.HexToAddress("0x5"), 10},
	}
	for _, tc := range ignored {
		t.Run(tc.name, func(t *testing.T) {
			if tr, ok := c.Classify(decode(tc.from, tc.to, tc.value)); ok {
				t.Fatalf("expected ignore, got %+v", tr)
			}
		})
	}

	t.Run("removed", func(t *testing.T) {
		tr := decode(pair, user, 10)
		tr.Removed = true
		if _, ok := c.Classify(tr); ok {
			t.Fatalf("expected removed log to be ignored")
		}
	})
}
