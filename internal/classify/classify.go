package classify

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/ethutil"
)

// BurnAddress is the conventional dead address tokens are sent to for burning.
var BurnAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// Trade is a transfer attributed to a user as a buy or a sell.
type Trade struct {
	Key      string
	Trader   common.Address
	IsBuy    bool
	Amount   *big.Int
	Block    uint64
	LogIndex uint
	TxHash   common.Hash
}

// Key identifies a transfer log globally.
func Key(txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%d", txHash.Hex(), logIndex)
}

// Classifier turns token transfers touching a trading venue into trades.
type Classifier struct {
	venues ethutil.AddressSet
	ignore ethutil.AddressSet
}

// New builds a classifier for the given venues. Transfers with an endpoint in
// ignore (typically the engine itself) are never trades; the zero and burn
// addresses are always ignored.
func New(venues []common.Address, ignore ...common.Address) *Classifier {
	ign := ethutil.NewAddressSet(ignore...)
	ign.Add(common.Address{}, BurnAddress)
	return &Classifier{
		venues: ethutil.NewAddressSet(venues...),
		ignore: ign,
	}
}

func (c *Classifier) Venues() []common.Address {
	return c.venues.Sorted()
}

func (c *Classifier) isVenue(a common.Address) bool {
	return c.venues.Has(a)
}

func (c *Classifier) ignored(a common.Address) bool {
	return c.ignore.Has(a)
}

// Classify maps venue→user to a buy by the recipient and user→venue to a sell
// by the sender. Everything else, including venue↔venue routing, is ignored.
func (c *Classifier) Classify(t Transfer) (Trade, bool) {
	if t.Removed || t.Value == nil || t.Value.Sign() <= 0 {
		return Trade{}, false
	}
	if c.ignored(t.From) || c.ignored(t.To) {
		return Trade{}, false
	}
	fromVenue := c.isVenue(t.From)
	toVenue := c.isVenue(t.To)

	tr := Trade{
		Key:      Key(t.TxHash, t.LogIndex),
		Amount:   new(big.Int).Set(t.Value),
		Block:    t.BlockNumber,
		LogIndex: t.LogIndex,
		TxHash:   t.TxHash,
	}
	switch {
	case fromVenue && !toVenue:
		tr.Trader = t.To
		tr.IsBuy = true
	case toVenue && !fromVenue:
		tr.Trader = t.From
		tr.IsBuy = false
	default:
		return Trade{}, false
	}
	return tr, true
}
