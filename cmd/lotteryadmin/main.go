// Command lotteryadmin runs owner operations against the deployed lottery
// contract and inspects its state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli"

	"github.com/ybc112/daojishi/internal/bootstrap"
	"github.com/ybc112/daojishi/internal/chain"
	"github.com/ybc112/daojishi/internal/config"
	"github.com/ybc112/daojishi/internal/ethutil"
	"github.com/ybc112/daojishi/internal/feed"
	"github.com/ybc112/daojishi/internal/logger"
)

func main() {
	app := cli.NewApp()
	app.Name = "lotteryadmin"
	app.Usage = "administer and inspect the countdown lottery contract"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML config file",
			EnvVar: "KEEPER_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "status",
			Usage:  "print the current round status",
			Action: status,
		},
		{
			Name:      "rate",
			Usage:     "print a wallet's win rate and participation",
			ArgsUsage: "<address>",
			Action:    rate,
		},
		{
			Name:      "set-keeper",
			Usage:     "authorize a new keeper address",
			ArgsUsage: "<address>",
			Action:    setter("setKeeper", (*chain.Lottery).SetKeeper),
		},
		{
			Name:      "set-token",
			Usage:     "point the lottery at a token contract",
			ArgsUsage: "<address>",
			Action:    setter("setToken", (*chain.Lottery).SetToken),
		},
		{
			Name:      "set-marketing",
			Usage:     "change the marketing wallet",
			ArgsUsage: "<address>",
			Action:    setter("setMarketingWallet", (*chain.Lottery).SetMarketingWallet),
		},
		{
			Name:      "watch",
			Usage:     "stream engine events from a driftd live feed",
			ArgsUsage: "<ws-url>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "type",
					Usage: "only show events of this type",
				},
			},
			Action: watch,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.GetLogger().WithError(err).Fatal("lotteryadmin failed")
	}
}

// open dials the configured RPC endpoints and binds the lottery. The key is
// optional; without one only reads work.
func open(ctx context.Context, c *cli.Context) (*chain.Lottery, func(), error) {
	cfg, err := bootstrap.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Chain.Lottery == "" {
		return nil, nil, cli.NewExitError("chain.lottery is required", 2)
	}
	pool, err := chain.Dial(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	lc := chain.LotteryConfig{
		Address:   cfg.Chain.LotteryAddress(),
		ChainID:   big.NewInt(cfg.Chain.ChainID),
		TxTimeout: cfg.Chain.TxTimeout,
	}
	if cfg.Chain.PrivateKey != "" {
		lc.PrivateKey, err = ethutil.ParsePrivateKey(cfg.Chain.PrivateKey)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	l, err := chain.NewLottery(pool, lc)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return l, pool.Close, nil
}

func poolConfig(cfg *config.Config) chain.PoolConfig {
	return chain.PoolConfig{
		URLs:              cfg.Chain.RPCURLs,
		ChainID:           cfg.Chain.ChainID,
		DialTimeout:       cfg.Chain.DialTimeout,
		FailureThreshold:  cfg.Chain.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:   cfg.Chain.CircuitBreaker.RecoveryTimeout,
		RequestsPerSecond: cfg.Chain.RateLimit.RequestsPerSecond,
		Burst:             cfg.Chain.RateLimit.BurstSize,
	}
}

func addressArg(c *cli.Context) (common.Address, error) {
	raw := strings.TrimSpace(c.Args().First())
	if !common.IsHexAddress(raw) {
		return common.Address{}, cli.NewExitError(fmt.Sprintf("%s: expected an address, got %q", c.Command.Name, raw), 2)
	}
	return common.HexToAddress(raw), nil
}

func status(c *cli.Context) error {
	ctx, cancel := bootstrap.SignalContext()
	defer cancel()
	l, closeFn, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := l.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(feed.NewStatusView(st, st.Now))
}

func rate(c *cli.Context) error {
	addr, err := addressArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := bootstrap.SignalContext()
	defer cancel()
	l, closeFn, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer closeFn()

	acct, err := feed.ChainReader{Lottery: l}.Account(ctx, addr)
	if err != nil {
		return err
	}
	return printJSON(acct)
}

func setter(method string, fn func(*chain.Lottery, context.Context, common.Address) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		addr, err := addressArg(c)
		if err != nil {
			return err
		}
		ctx, cancel := bootstrap.SignalContext()
		defer cancel()
		l, closeFn, err := open(ctx, c)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := fn(l, ctx, addr); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		logger.GetLogger().WithComponent("admin").WithFields(logger.Fields{
			"method":  method,
			"address": addr.Hex(),
			"from":    l.From().Hex(),
		}).Info("transaction mined")
		return nil
	}
}

func watch(c *cli.Context) error {
	url := strings.TrimSpace(c.Args().First())
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return cli.NewExitError("watch: expected a ws:// or wss:// url", 2)
	}
	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	sub := feed.Subscription{Topic: feed.TopicEngine, Type: c.String("type")}
	msgs, errs := feed.Subscribe(ctx, url, []feed.Subscription{sub}, feed.Options{})
	log := logger.GetLogger().WithComponent("watch")
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := printJSON(m); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithError(err).Warn("feed error")
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
