package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/logger"
)

const lotteryABIJSON = `[
{"inputs":[{"name":"trader","type":"address"},{"name":"isBuy","type":"bool"},{"name":"amount","type":"uint256"}],"name":"reportTrade","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"triggerDraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"executeDraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"syncTax","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"_keeper","type":"address"}],"name":"setKeeper","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"_token","type":"address"}],"name":"setToken","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"_wallet","type":"address"}],"name":"setMarketingWallet","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"currentRound","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"countdownEndTime","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"isDrawing","outputs":[{"type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"drawBlock","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"prizePool","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"rolloverPool","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"marketingPool","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getParticipantCount","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"user","type":"address"}],"name":"getUserRate","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"user","type":"address"}],"name":"isParticipant","outputs":[{"type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"keeper","outputs":[{"type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"token","outputs":[{"type":"address"}],"stateMutability":"view","type":"function"}
]`

// LotteryConfig configures the on-chain engine binding.
type LotteryConfig struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
	ChainID    *big.Int
	TxTimeout  time.Duration
	// CallTimeout bounds each view call.
	CallTimeout time.Duration
}

// Lottery drives a deployed engine contract. Every state-changing call is
// simulated first so rejections surface without spending gas, then signed,
// recorded, sent and awaited. A transaction signed under a key is remembered
// until its outcome is known, so a retry after a lost send response or
// receipt checks the earlier transaction instead of signing a second one.
type Lottery struct {
	pool *Pool
	cfg  LotteryConfig
	abi  abi.ABI
	from common.Address
	log  *logger.Entry

	mu      sync.Mutex
	pending map[string]*types.Transaction
}

func NewLottery(pool *Pool, cfg LotteryConfig) (*Lottery, error) {
	parsed, err := abi.JSON(strings.NewReader(lotteryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("lottery abi parse: %w", err)
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 2 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	l := &Lottery{
		pool:    pool,
		cfg:     cfg,
		abi:     parsed,
		log:     logger.GetLogger().WithComponent("lottery").WithField("contract", cfg.Address.Hex()),
		pending: make(map[string]*types.Transaction),
	}
	if cfg.PrivateKey != nil {
		if cfg.ChainID == nil {
			return nil, errors.New("chain id required with a private key")
		}
		l.from = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	return l, nil
}

// From is the sender address, zero for a read-only binding.
func (l *Lottery) From() common.Address { return l.from }

func (l *Lottery) ReportTrade(ctx context.Context, t classify.Trade) error {
	return l.transact(ctx, "report:"+t.Key, "reportTrade", t.Trader, t.IsBuy, t.Amount)
}

func (l *Lottery) TriggerDraw(ctx context.Context) error {
	key, err := l.roundKey(ctx, "triggerDraw")
	if err != nil {
		return err
	}
	return l.transact(ctx, key, "triggerDraw")
}

func (l *Lottery) ExecuteDraw(ctx context.Context) error {
	key, err := l.roundKey(ctx, "executeDraw")
	if err != nil {
		return err
	}
	return l.transact(ctx, key, "executeDraw")
}

func (l *Lottery) SyncTax(ctx context.Context) error {
	key, err := l.roundKey(ctx, "syncTax")
	if err != nil {
		return err
	}
	return l.transact(ctx, key, "syncTax")
}

func (l *Lottery) SetKeeper(ctx context.Context, keeper common.Address) error {
	return l.transact(ctx, "setKeeper:"+keeper.Hex(), "setKeeper", keeper)
}

func (l *Lottery) SetToken(ctx context.Context, token common.Address) error {
	return l.transact(ctx, "setToken:"+token.Hex(), "setToken", token)
}

func (l *Lottery) SetMarketingWallet(ctx context.Context, wallet common.Address) error {
	return l.transact(ctx, "setMarketingWallet:"+wallet.Hex(), "setMarketingWallet", wallet)
}

// roundKey scopes a lifecycle call to the contract's current round and drops
// entries left over from earlier rounds.
func (l *Lottery) roundKey(ctx context.Context, method string) (string, error) {
	round, err := l.callUint(ctx, "currentRound")
	if err != nil {
		return "", err
	}
	key := method + ":" + round.String()
	l.mu.Lock()
	for k := range l.pending {
		if k != key && strings.HasPrefix(k, method+":") {
			delete(l.pending, k)
		}
	}
	l.mu.Unlock()
	return key, nil
}

// transact signs without sending and records the signed transaction under
// key before broadcasting it. A send whose response is lost therefore leaves
// the entry behind, and the next attempt looks the same hash up instead of
// signing a second transaction.
func (l *Lottery) transact(ctx context.Context, key, method string, args ...interface{}) error {
	if l.cfg.PrivateKey == nil {
		return fmt.Errorf("%s: no signing key configured", method)
	}
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("%s: pack: %w", method, err)
	}

	if done, err := l.resolvePending(ctx, key, method, data); done || err != nil {
		return err
	}

	if err := l.simulate(ctx, method, data, nil); err != nil {
		return err
	}

	var tx *types.Transaction
	err = l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		opts, err := bind.NewKeyedTransactorWithChainID(l.cfg.PrivateKey, l.cfg.ChainID)
		if err != nil {
			return err
		}
		opts.Context = ctx
		opts.NoSend = true
		contract := bind.NewBoundContract(l.cfg.Address, l.abi, c, c, c)
		tx, err = contract.RawTransact(opts, data)
		return mapRevert(method, err)
	})
	if err != nil {
		return err
	}
	l.setPending(key, tx)

	if err := l.send(ctx, tx); err != nil {
		return fmt.Errorf("%s: send %s: %w", method, tx.Hash().Hex(), err)
	}
	l.log.WithFields(logger.Fields{"method": method, "tx": tx.Hash().Hex()}).Info("transaction sent")

	return l.await(ctx, key, method, data, tx)
}

// send broadcasts a signed transaction. A node that already holds it counts
// as success.
func (l *Lottery) send(ctx context.Context, tx *types.Transaction) error {
	err := l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		return c.SendTransaction(ctx, tx)
	})
	if err != nil && isKnownTx(err) {
		return nil
	}
	return err
}

func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// resolvePending settles a transaction left over from an earlier attempt.
// done is true when that transaction is still live; err then carries its
// outcome. A transaction the node never saw is broadcast again unchanged, and
// is only given up once its nonce has been consumed by another one.
func (l *Lottery) resolvePending(ctx context.Context, key, method string, data []byte) (bool, error) {
	prev, ok := l.pendingTx(key)
	if !ok {
		return false, nil
	}
	hash := prev.Hash()
	fields := logger.Fields{"method": method, "tx": hash.Hex()}
	err := l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		_, _, err := c.TransactionByHash(ctx, hash)
		return err
	})
	switch {
	case err == nil:
		return true, l.await(ctx, key, method, data, prev)
	case !errors.Is(err, ethereum.NotFound):
		return true, fmt.Errorf("%s: lookup %s: %w", method, hash.Hex(), err)
	}

	err = l.send(ctx, prev)
	switch {
	case err == nil:
		l.log.WithFields(fields).Warn("earlier transaction unknown to node; rebroadcast")
		return true, l.await(ctx, key, method, data, prev)
	case isNonceTooLow(err):
		l.log.WithFields(fields).Warn("earlier transaction replaced; signing again")
		l.clearPending(key)
		return false, nil
	default:
		return true, fmt.Errorf("%s: rebroadcast %s: %w", method, hash.Hex(), err)
	}
}

func (l *Lottery) await(ctx context.Context, key, method string, data []byte, tx *types.Transaction) error {
	var receipt *types.Receipt
	err := l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.TxTimeout)
		defer cancel()
		var err error
		receipt, err = bind.WaitMined(waitCtx, c, tx)
		return err
	})
	if err != nil {
		// Keep the pending entry; the next attempt looks the transaction up.
		return fmt.Errorf("%s: wait %s: %w", method, tx.Hash().Hex(), err)
	}
	l.clearPending(key)
	if receipt.Status == types.ReceiptStatusSuccessful {
		l.log.WithFields(logger.Fields{
			"method": method,
			"tx":     tx.Hash().Hex(),
			"block":  receipt.BlockNumber.Uint64(),
			"gas":    receipt.GasUsed,
		}).Info("transaction mined")
		return nil
	}

	// Replay at the failing block to recover the reason.
	block := new(big.Int).Set(receipt.BlockNumber)
	if err := l.simulate(ctx, method, data, block); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w (tx %s)", &RevertError{Method: method}, ErrTxFailed, tx.Hash().Hex())
}

func (l *Lottery) simulate(ctx context.Context, method string, data []byte, block *big.Int) error {
	msg := ethereum.CallMsg{From: l.from, To: &l.cfg.Address, Data: data}
	return l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		_, err := c.CallContract(ctx, msg, block)
		return mapRevert(method, err)
	})
}

func (l *Lottery) pendingTx(key string) (*types.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.pending[key]
	return tx, ok
}

func (l *Lottery) setPending(key string, tx *types.Transaction) {
	l.mu.Lock()
	l.pending[key] = tx
	l.mu.Unlock()
}

func (l *Lottery) clearPending(key string) {
	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()
}

func (l *Lottery) callABI(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
		var err error
		out, err = c.CallContract(callCtx, ethereum.CallMsg{To: &l.cfg.Address, Data: data}, nil)
		return mapRevert(method, err)
	})
	if err != nil {
		return nil, err
	}
	vals, err := l.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s: unexpected result len %d", method, len(vals))
	}
	return vals, nil
}

func (l *Lottery) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	vals, err := l.callABI(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return n, nil
}

func (l *Lottery) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	vals, err := l.callABI(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return b, nil
}

func (l *Lottery) callAddress(ctx context.Context, method string) (common.Address, error) {
	vals, err := l.callABI(ctx, method)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return a, nil
}

// Status reads the contract's public state. Now is the head block time, the
// clock the contract itself compares the countdown against.
func (l *Lottery) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status

	var head *types.Header
	err := l.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return st, fmt.Errorf("head header: %w", err)
	}
	st.Now = time.Unix(int64(head.Time), 0)

	round, err := l.callUint(ctx, "currentRound")
	if err != nil {
		return st, err
	}
	st.Round = round.Uint64()

	end, err := l.callUint(ctx, "countdownEndTime")
	if err != nil {
		return st, err
	}
	st.Deadline = time.Unix(end.Int64(), 0)

	drawing, err := l.callBool(ctx, "isDrawing")
	if err != nil {
		return st, err
	}
	if drawing {
		st.Phase = engine.PhaseDrawing
		trigger, err := l.callUint(ctx, "drawBlock")
		if err != nil {
			return st, err
		}
		st.TriggerBlock = trigger.Uint64()
	}

	if st.PrizePool, err = l.callUint(ctx, "prizePool"); err != nil {
		return st, err
	}
	if st.Rollover, err = l.callUint(ctx, "rolloverPool"); err != nil {
		return st, err
	}
	if st.Marketing, err = l.callUint(ctx, "marketingPool"); err != nil {
		return st, err
	}
	count, err := l.callUint(ctx, "getParticipantCount")
	if err != nil {
		return st, err
	}
	st.ParticipantCount = int(count.Int64())
	return st, nil
}

func (l *Lottery) UserRate(ctx context.Context, user common.Address) (uint32, error) {
	r, err := l.callUint(ctx, "getUserRate", user)
	if err != nil {
		return 0, err
	}
	return uint32(r.Uint64()), nil
}

func (l *Lottery) IsParticipant(ctx context.Context, user common.Address) (bool, error) {
	return l.callBool(ctx, "isParticipant", user)
}

func (l *Lottery) Keeper(ctx context.Context) (common.Address, error) {
	return l.callAddress(ctx, "keeper")
}

func (l *Lottery) Token(ctx context.Context) (common.Address, error) {
	return l.callAddress(ctx, "token")
}
