// Command keeper scans venue transfers of the watched token, reports trades
// to the deployed lottery contract and drives its draw lifecycle.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/urfave/cli"

	"github.com/ybc112/daojishi/internal/bootstrap"
	"github.com/ybc112/daojishi/internal/chain"
	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/ethutil"
	"github.com/ybc112/daojishi/internal/feed"
	"github.com/ybc112/daojishi/internal/keeper"
	"github.com/ybc112/daojishi/internal/logger"
)

func main() {
	app := cli.NewApp()
	app.Name = "keeper"
	app.Usage = "report venue trades to the countdown lottery and drive its draws"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML config file",
			EnvVar: "KEEPER_CONFIG",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.GetLogger().WithError(err).Fatal("keeper stopped")
	}
}

func run(c *cli.Context) error {
	cfg, err := bootstrap.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	log := logger.GetLogger().WithComponent("main")
	if cfg.Chain.Lottery == "" {
		return cli.NewExitError("chain.lottery is required in chain mode", 2)
	}
	if cfg.Chain.PrivateKey == "" {
		return cli.NewExitError("KEEPER_PRIVATE_KEY is required", 2)
	}

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.ServeMetrics(ctx)

	key, err := ethutil.ParsePrivateKey(cfg.Chain.PrivateKey)
	if err != nil {
		return err
	}
	lottery, err := chain.NewLottery(rt.Pool, chain.LotteryConfig{
		Address:    cfg.Chain.LotteryAddress(),
		PrivateKey: key,
		ChainID:    big.NewInt(cfg.Chain.ChainID),
		TxTimeout:  cfg.Chain.TxTimeout,
	})
	if err != nil {
		return err
	}
	if err := checkKeeperRole(ctx, lottery); err != nil {
		return err
	}

	// Reports are on chain the moment they are mined; keys are written through.
	ledger, err := rt.NewLedger(rt.Store)
	if err != nil {
		return err
	}

	lotteryAddr := cfg.Chain.LotteryAddress()
	k, err := keeper.New(rt.KeeperConfig(lotteryAddr), keeper.Deps{
		Lottery:    lottery,
		Source:     chain.NewVenue(rt.Pool, cfg.Chain.TokenAddress(), rt.Venues, cfg.Keeper.MaxLogRange),
		Classifier: classify.New(rt.Venues, lotteryAddr),
		Ledger:     ledger,
		Audit:      rt.Audit,
		Metrics:    rt.Metrics,
	})
	if err != nil {
		return err
	}

	if cfg.Feed.Enabled {
		srv := feed.NewServer(feed.ChainReader{Lottery: lottery}, nil, nil)
		go func() {
			if err := feed.Serve(ctx, cfg.Feed.Listen, srv.Handler()); err != nil {
				log.WithError(err).Error("feed server failed")
			}
		}()
		log.WithField("listen", cfg.Feed.Listen).Info("read api enabled")
	}

	log.WithFields(logger.Fields{
		"keeper":  lottery.From().Hex(),
		"lottery": lotteryAddr.Hex(),
		"token":   cfg.Chain.TokenAddress().Hex(),
		"venues":  len(rt.Venues),
		"session": rt.Audit.Session(),
	}).Info("keeper starting")

	if err := k.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.WithField("cursor", k.Cursor().String()).Info("keeper stopped")
	return nil
}

// checkKeeperRole refuses to start when the signer is not the contract's
// keeper; every report would revert with Unauthorized.
func checkKeeperRole(ctx context.Context, l *chain.Lottery) error {
	onChain, err := l.Keeper(ctx)
	if err != nil {
		return fmt.Errorf("read keeper role: %w", err)
	}
	if onChain != l.From() {
		return fmt.Errorf("signer %s is not the lottery keeper %s", l.From().Hex(), onChain.Hex())
	}
	return nil
}
