package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/ethutil"
	"github.com/ybc112/daojishi/internal/logger"
)

// Venue reads token Transfer logs touching a set of watched addresses
// (the trading venues plus, for a hosted engine, its fee collector).
type Venue struct {
	pool     *Pool
	token    common.Address
	watched  []common.Hash
	maxRange uint64
	log      *logger.Entry
}

func NewVenue(pool *Pool, token common.Address, watched []common.Address, maxRange uint64) *Venue {
	if maxRange == 0 {
		maxRange = 2000
	}
	return &Venue{
		pool:     pool,
		token:    token,
		watched:  ethutil.AddressTopics(ethutil.SortedAddresses(watched)),
		maxRange: maxRange,
		log:      logger.GetLogger().WithComponent("venue"),
	}
}

func (v *Venue) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := v.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	return head, err
}

// FetchTransfers returns decoded transfers in [from, to] with a watched
// address on either side, ordered by (block, log index). Undecodable logs
// are logged and skipped.
func (v *Venue) FetchTransfers(ctx context.Context, from, to uint64) ([]classify.Transfer, error) {
	if from > to {
		return nil, nil
	}
	queries := []ethereum.FilterQuery{
		{Addresses: []common.Address{v.token}, Topics: [][]common.Hash{{classify.TransferTopic}, v.watched}},
		{Addresses: []common.Address{v.token}, Topics: [][]common.Hash{{classify.TransferTopic}, nil, v.watched}},
	}

	seen := make(map[string]struct{})
	var out []classify.Transfer
	for _, q := range queries {
		logs, err := v.filterChunked(ctx, q, from, to)
		if err != nil {
			return nil, err
		}
		for _, vLog := range logs {
			tr, err := classify.DecodeTransferLog(vLog)
			if err != nil {
				v.log.WithError(err).WithField("tx", vLog.TxHash.Hex()).Warn("transfer decode failed")
				continue
			}
			key := classify.Key(tr.TxHash, tr.LogIndex)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, *tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// filterChunked runs q over [from, to] in chunks of at most maxRange blocks,
// shrinking the chunk when the node refuses the range.
func (v *Venue) filterChunked(ctx context.Context, base ethereum.FilterQuery, from, to uint64) ([]types.Log, error) {
	chunk := to - from + 1
	if chunk > v.maxRange {
		chunk = v.maxRange
	}

	var out []types.Log
	for start := from; start <= to; {
		end := start + chunk - 1
		if end > to {
			end = to
		}

		query := base
		query.FromBlock = new(big.Int).SetUint64(start)
		query.ToBlock = new(big.Int).SetUint64(end)

		var logs []types.Log
		err := v.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
			var err error
			logs, err = c.FilterLogs(ctx, query)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if limit, ok := parseEthGetLogsRangeLimit(err); ok && limit > 0 && limit < chunk {
				chunk = limit
				v.log.WithField("chunk", chunk).Warn("eth_getLogs range limit detected, retrying with smaller chunk")
				continue
			}
			if chunk > 1 {
				chunk /= 2
				v.log.WithError(err).WithField("chunk", chunk).Warn("log query failed, retrying with smaller chunk")
				continue
			}
			return nil, fmt.Errorf("filter logs [%d..%d]: %w", start, end, err)
		}
		out = append(out, logs...)
		start = end + 1
	}
	return out, nil
}

func parseEthGetLogsRangeLimit(err error) (uint64, bool) {
	if err == nil {
		return 0, false
	}
	const marker = "limited to a "
	s := err.Error()
	idx := strings.Index(s, marker)
	if idx < 0 {
		return 0, false
	}
	rest := s[idx+len(marker):]
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, false
	}
	limit, parseErr := strconv.ParseUint(rest[:j], 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return limit, true
}
