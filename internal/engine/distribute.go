package engine

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type candidate struct {
	addr   common.Address
	weight uint64
}

type distribution struct {
	awards      []Award
	distributed *big.Int
	rollover    *big.Int
}

// planDistribution splits total between a grand winner, up to
// p.MinorWinners minor winners and the remaining eligible participants.
// Half of total, rounded up, always rolls over when anyone is eligible.
// Shares without a recipient and rounding dust go to the grand winner.
func planDistribution(total *big.Int, eligible []candidate, seed common.Hash, p Params) distribution {
	if len(eligible) == 0 || total.Sign() == 0 {
		return distribution{distributed: new(big.Int), rollover: cloneBig(total)}
	}

	half := new(big.Int).Quo(total, big.NewInt(2))
	rollover := new(big.Int).Sub(total, half)

	minor := pct(total, p.MinorPct)
	sunshine := pct(total, p.SunshinePct)

	rng := &seedStream{seed: seed}
	pool := append([]candidate(nil), eligible...)

	var grandWinner candidate
	grandWinner, pool = pickWeighted(rng, pool)

	nMinor := p.MinorWinners
	if nMinor > len(pool) {
		nMinor = len(pool)
	}
	minors := make([]candidate, 0, nMinor)
	for i := 0; i < nMinor; i++ {
		var c candidate
		c, pool = pickWeighted(rng, pool)
		minors = append(minors, c)
	}

	awards := make([]Award, 0, 1+len(minors)+len(pool))
	paid := new(big.Int)

	if len(minors) > 0 {
		each := new(big.Int).Quo(minor, big.NewInt(int64(len(minors))))
		for _, c := range minors {
			if each.Sign() > 0 {
				awards = append(awards, Award{Winner: c.addr, Amount: new(big.Int).Set(each), Type: PrizeMinor})
				paid.Add(paid, each)
			}
		}
	}

	if len(pool) > 0 {
		each := new(big.Int).Quo(sunshine, big.NewInt(int64(len(pool))))
		for _, c := range pool {
			if each.Sign() > 0 {
				awards = append(awards, Award{Winner: c.addr, Amount: new(big.Int).Set(each), Type: PrizeSunshine})
				paid.Add(paid, each)
			}
		}
	}

	// The grand winner takes GrandPct plus every share that found no
	// recipient and the division dust.
	grand := new(big.Int).Sub(half, paid)
	if grand.Sign() > 0 {
		awards = append([]Award{{Winner: grandWinner.addr, Amount: grand, Type: PrizeGrand}}, awards...)
	}

	return distribution{awards: awards, distributed: half, rollover: rollover}
}

// pickWeighted removes and returns one candidate chosen with probability
// proportional to its weight. Zero weights count as one.
func pickWeighted(rng *seedStream, pool []candidate) (candidate, []candidate) {
	total := new(big.Int)
	for _, c := range pool {
		total.Add(total, new(big.Int).SetUint64(max(c.weight, 1)))
	}
	r := new(big.Int).Mod(rng.next(), total)
	idx := len(pool) - 1
	acc := new(big.Int)
	for i, c := range pool {
		acc.Add(acc, new(big.Int).SetUint64(max(c.weight, 1)))
		if r.Cmp(acc) < 0 {
			idx = i
			break
		}
	}
	chosen := pool[idx]
	rest := make([]candidate, 0, len(pool)-1)
	rest = append(rest, pool[:idx]...)
	rest = append(rest, pool[idx+1:]...)
	return chosen, rest
}

// seedStream expands a 32-byte seed into 256-bit draws.
type seedStream struct {
	seed    common.Hash
	counter uint64
}

func (s *seedStream) next() *big.Int {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], s.counter)
	s.counter++
	return new(big.Int).SetBytes(crypto.Keccak256(s.seed.Bytes(), ctr[:]))
}
