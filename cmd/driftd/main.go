// Command driftd hosts the lottery engine in-process: it follows venue
// transfers on chain, applies them to a local engine, commits engine
// snapshots together with the dedup keys and serves the read API and live
// feed.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli"

	"github.com/ybc112/daojishi/internal/bootstrap"
	"github.com/ybc112/daojishi/internal/chain"
	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/config"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/ethutil"
	"github.com/ybc112/daojishi/internal/feed"
	"github.com/ybc112/daojishi/internal/keeper"
	"github.com/ybc112/daojishi/internal/logger"
	"github.com/ybc112/daojishi/internal/state"
)

func main() {
	app := cli.NewApp()
	app.Name = "driftd"
	app.Usage = "run the countdown lottery engine against live venue trades"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML config file",
			EnvVar: "DRIFTD_CONFIG",
		},
		cli.BoolFlag{
			Name:  "fresh",
			Usage: "ignore the stored engine snapshot and start at round 1",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.GetLogger().WithError(err).Fatal("driftd stopped")
	}
}

func run(c *cli.Context) error {
	cfg, err := bootstrap.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	log := logger.GetLogger().WithComponent("main")
	if cfg.Engine.Owner == "" {
		return cli.NewExitError("engine.owner is required in hosted mode", 2)
	}

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.ServeMetrics(ctx)

	caller, err := keeperAddress(cfg)
	if err != nil {
		return err
	}
	eng, err := newEngine(rt, caller)
	if err != nil {
		return err
	}
	journal := state.NewJournal(rt.Store)
	if c.Bool("fresh") {
		// Archived rounds are immutable; round 1 could never be closed again.
		if recent, err := rt.Store.RecentRounds(1); err != nil || len(recent) > 0 {
			return cli.NewExitError(fmt.Sprintf("--fresh needs an empty %s (archived rounds present, err=%v)", cfg.Storage.DBFile, err), 2)
		}
	} else if err := restore(eng, rt.Store, journal, log); err != nil {
		return err
	}
	ledger, err := rt.NewLedger(journal)
	if err != nil {
		return err
	}

	hub := feed.NewHub(256)
	defer hub.Close()
	eng.Subscribe(hub)

	self := common.HexToAddress(cfg.Engine.Self)
	k, err := keeper.New(rt.KeeperConfig(self), keeper.Deps{
		Lottery:    keeper.Local{Engine: eng, Caller: caller},
		Source:     chain.NewVenue(rt.Pool, cfg.Chain.TokenAddress(), rt.Watched(self), cfg.Keeper.MaxLogRange),
		Classifier: classify.New(rt.Venues, self),
		Ledger:     ledger,
		Fees:       feeSink(eng, self),
		Audit:      rt.Audit,
		Metrics:    rt.Metrics,
		Commit:     func() error { return journal.Commit(eng.Snapshot()) },
	})
	if err != nil {
		return err
	}

	if cfg.Feed.Enabled {
		srv := feed.NewServer(feed.EngineReader{Engine: eng}, rt.Store, hub)
		go func() {
			if err := feed.Serve(ctx, cfg.Feed.Listen, srv.Handler()); err != nil {
				log.WithError(err).Error("feed server failed")
			}
		}()
		log.WithField("listen", cfg.Feed.Listen).Info("read api and live feed enabled")
	}

	st := eng.Status()
	log.WithFields(logger.Fields{
		"round":   st.Round,
		"phase":   st.Phase.String(),
		"keeper":  caller.Hex(),
		"token":   cfg.Chain.TokenAddress().Hex(),
		"session": rt.Audit.Session(),
	}).Info("driftd starting")

	// Run commits engine state with its final checkpoint.
	if err := k.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.WithField("cursor", k.Cursor().String()).Info("driftd stopped")
	return nil
}

// keeperAddress is the identity the local keeper acts as: the key's address
// when a key is configured, the owner otherwise.
func keeperAddress(cfg *config.Config) (common.Address, error) {
	if cfg.Chain.PrivateKey == "" {
		return common.HexToAddress(cfg.Engine.Owner), nil
	}
	key, err := ethutil.ParsePrivateKey(cfg.Chain.PrivateKey)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func newEngine(rt *bootstrap.Runtime, caller common.Address) (*engine.Engine, error) {
	cfg := rt.Config
	params, err := cfg.Engine.Params(cfg.Chain.TokenDecimals)
	if err != nil {
		return nil, err
	}
	price, err := rt.Price()
	if err != nil {
		return nil, fmt.Errorf("price reference: %w", err)
	}
	return engine.New(engine.Config{
		Params:          params,
		Owner:           common.HexToAddress(cfg.Engine.Owner),
		Keeper:          caller,
		Self:            common.HexToAddress(cfg.Engine.Self),
		Token:           cfg.Chain.TokenAddress(),
		DexPair:         cfg.Chain.PairAddress(),
		MarketingWallet: common.HexToAddress(cfg.Engine.MarketingWallet),
		Excluded:        append(cfg.Engine.ExcludedAddresses(), rt.Venues...),
		Blocks:          chain.NewBlocks(rt.Pool),
		Holdings:        chain.NewToken(rt.Pool, cfg.Chain.TokenAddress()),
		Price:           price,
		Archive:         rt.Store,
	})
}

// restore loads the last committed engine state. A draw that reached the
// round archive after that commit is completed from the archive rather than
// drawn again.
func restore(eng *engine.Engine, store *state.Store, journal *state.Journal, log *logger.Entry) error {
	snap, ok, err := store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		log.Info("no engine snapshot, starting at round 1")
		return nil
	}
	if err := eng.Restore(snap); err != nil {
		return err
	}
	log.WithFields(logger.Fields{"round": snap.Round, "phase": snap.Phase.String()}).Info("engine restored")
	if snap.Phase != engine.PhaseDrawing {
		return nil
	}

	closed, archived, err := store.Round(snap.Round)
	if err != nil || !archived {
		return err
	}
	if err := eng.RecoverDraw(closed); err != nil {
		return fmt.Errorf("complete archived draw of round %d: %w", snap.Round, err)
	}
	log.WithField("round", snap.Round).Warn("completed draw archived before shutdown")
	return journal.Commit(eng.Snapshot())
}

func feeSink(eng *engine.Engine, self common.Address) keeper.FeeSink {
	if (self == common.Address{}) {
		return nil
	}
	return eng
}
