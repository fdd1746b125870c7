package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/abci"
	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/crypto"
	"github.com/r3e-network/neo-dbft/mempool"
	"github.com/r3e-network/neo-dbft/metrics"
	"github.com/r3e-network/neo-dbft/network"
	"github.com/r3e-network/neo-dbft/persistence"
	"github.com/r3e-network/neo-dbft/types"
)

/*
================================================================================
                         DEVNET (단일 프로세스 클러스터)
================================================================================

  engine[0..n) ── network.Hub ── engine[0..n)
  reactor[i] ── hubPeers ──► reactor[j].ReceiveTx / mempool[j].GetTransactions

================================================================================
*/

type devnetOptions struct {
	validators int
	blockTime  time.Duration
	timeout    time.Duration
	txRate     int
	blocks     uint32
	logLevel   string
}

func newDevnetCmd() *cobra.Command {
	opts := devnetOptions{}

	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run an in-process validator cluster with a transaction load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			zl, err := newDevnetLogger(opts.logLevel)
			if err != nil {
				return err
			}
			defer zl.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDevnet(ctx, opts, zl.Sugar())
		},
	}

	cmd.Flags().IntVarP(&opts.validators, "validators", "n", 4, "number of validators")
	cmd.Flags().DurationVar(&opts.blockTime, "block-time", time.Second, "primary wait before proposing")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "view 0 timeout")
	cmd.Flags().IntVar(&opts.txRate, "tx-rate", 10, "transactions submitted per second")
	cmd.Flags().Uint32Var(&opts.blocks, "blocks", 0, "stop after this height (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func newDevnetLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}

type devnetNode struct {
	index   uint8
	mempool *mempool.Mempool
	reactor *mempool.Reactor
	ledger  *persistence.Ledger
	engine  *dbft.Engine
}

// hubPeers gossips transactions between the reactors of a devnet.
type hubPeers struct {
	self  int
	nodes []*devnetNode
}

func (p *hubPeers) BroadcastTx(tx []byte) error {
	for i, n := range p.nodes {
		if i == p.self || n == nil {
			continue
		}
		if err := n.reactor.ReceiveTx(fmt.Sprintf("validator-%d", p.self), tx); err != nil && !errors.Is(err, mempool.ErrTxAlreadyExists) {
			return err
		}
	}
	return nil
}

func (p *hubPeers) FetchTransactions(_ context.Context, hashes []types.Hash) ([][]byte, error) {
	var out [][]byte
	for _, h := range hashes {
		for i, n := range p.nodes {
			if i == p.self || n == nil {
				continue
			}
			if tx := n.mempool.GetTx(h); tx != nil {
				out = append(out, tx.Data)
				break
			}
		}
	}
	return out, nil
}

func runDevnet(ctx context.Context, opts devnetOptions, logger *zap.SugaredLogger) error {
	n := opts.validators
	if n < dbft.MinValidators || n > dbft.MaxValidators {
		return fmt.Errorf("validators must be in [%d, %d]", dbft.MinValidators, dbft.MaxValidators)
	}

	signers := make([]*crypto.DefaultSigner, n)
	pubs := make([][]byte, n)
	for i := range signers {
		s, err := crypto.NewDefaultSigner()
		if err != nil {
			return err
		}
		signers[i] = s
		pubs[i] = s.PublicKey()
	}
	validators := types.NewValidatorSet(pubs)

	hub := network.NewHub(logger.Named("hub"))
	nodes := make([]*devnetNode, n)

	for i := 0; i < n; i++ {
		nodeLogger := logger.Named(fmt.Sprintf("v%d", i))
		dn := &devnetNode{index: uint8(i)}

		dn.mempool = mempool.NewMempool(mempool.DefaultConfig(), nodeLogger.Named("mempool"))
		dn.reactor = mempool.NewReactor(dn.mempool, mempool.DefaultReactorConfig(), nodeLogger.Named("reactor"))
		peers := &hubPeers{self: i, nodes: nodes}
		dn.reactor.SetBroadcaster(peers)
		dn.reactor.SetFetcher(peers)

		executor := abci.NewLocalExecutor(abci.NewKVStoreApp(), nodeLogger.Named("abci"))
		ledger, err := persistence.NewLedger(persistence.NewMemoryStore(), executor, dn.reactor, validators, crypto.VerifySignature, nodeLogger.Named("ledger"))
		if err != nil {
			return err
		}
		dn.ledger = ledger

		cfg := dbft.DefaultConfig(0x4e454f, validators.Validators)
		cfg.BlockTime = opts.blockTime
		cfg.BaseTimeout = opts.timeout

		idx := i
		endpoint := hub.Join(uint8(i), func(data []byte) {
			if e := nodes[idx].engine; e != nil {
				e.Receive(data)
			}
		})

		engine, err := dbft.NewEngine(cfg, dbft.Dependencies{
			Network: endpoint,
			Mempool: dn.reactor,
			Storage: ledger,
			Signer:  signers[i],
		}, ledger.NextHeight(), metrics.NullMetrics{}, nodeLogger.Named("dbft"))
		if err != nil {
			return err
		}
		dn.engine = engine
		dn.reactor.SetOnAvailable(engine.NotifyTransactions)
		nodes[i] = dn
	}

	for _, dn := range nodes {
		if err := dn.mempool.Start(); err != nil {
			return err
		}
		if err := dn.reactor.Start(); err != nil {
			return err
		}
	}
	defer func() {
		for _, dn := range nodes {
			dn.engine.Stop()
			dn.reactor.Stop()
			dn.mempool.Stop()
		}
	}()
	for _, dn := range nodes {
		if err := dn.engine.Start(ctx); err != nil {
			return err
		}
	}
	logger.Infof("Devnet running with %d validators", n)

	var load <-chan time.Time
	if opts.txRate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(opts.txRate))
		defer ticker.Stop()
		load = ticker.C
	}

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	var seq uint64
	events := nodes[0].engine.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-events:
			switch e := ev.(type) {
			case dbft.BlockFinalized:
				logger.Infof("Block %d finalized (%s, %d txs, %s)", e.Height, e.Hash.Short(), e.TxCount, e.Elapsed)
				if opts.blocks > 0 && e.Height >= opts.blocks {
					return nil
				}
			case dbft.ViewChanged:
				logger.Warnf("View change at height %d: %d -> %d", e.Height, e.OldView, e.NewView)
			}

		case <-load:
			seq++
			tx := []byte(fmt.Sprintf(`{"type":"set","key":"k%d","value":"%d"}`, seq%1000, seq))
			target := nodes[rand.IntN(n)]
			if _, err := target.reactor.SubmitTx(tx); err != nil {
				logger.Debugf("Submit failed: %v", err)
			}

		case <-report.C:
			h := nodes[0].ledger.Height()
			logger.Infof("Height %d, view %d, mempool %d, hub deliveries %d",
				h, nodes[0].engine.View(), nodes[0].mempool.Size(), hub.Sent())
			if opts.blocks > 0 && h >= opts.blocks {
				return nil
			}
			for _, dn := range nodes {
				if err := dn.engine.Err(); err != nil {
					return fmt.Errorf("validator %d halted: %w", dn.index, err)
				}
			}
		}
	}
}
