package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/api"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/config"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/inventory"
	"github.com/memswap/solver/internal/listener"
	"github.com/memswap/solver/internal/matchmaker"
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/quote"
	"github.com/memswap/solver/internal/quote/reservoir"
	"github.com/memswap/solver/internal/quote/router"
	"github.com/memswap/solver/internal/quote/zeroex"
	"github.com/memswap/solver/internal/relay"
	"github.com/memswap/solver/internal/solver"
	"github.com/memswap/solver/internal/status"
	"github.com/memswap/solver/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Node client ───────────────────────────────────────────────────────────
	node, err := chain.Dial(ctx, cfg.Node.RPCURL, cfg.Node.WSURL, log)
	if err != nil {
		log.Fatal("node dial failed", zap.Error(err))
	}
	defer node.Close()
	if node.ChainID().Int64() != cfg.Node.ChainID {
		log.Fatal("node chain id does not match CHAIN_ID",
			zap.Int64("node", node.ChainID().Int64()),
			zap.Int64("config", cfg.Node.ChainID))
	}

	book, err := addrbook.ForChain(cfg.Node.ChainID)
	if err != nil {
		log.Fatal("unsupported chain", zap.Error(err))
	}
	codec := intent.NewCodec(cfg.Node.ChainID, book.MemswapERC20, book.MemswapERC721)

	// ── Keys ──────────────────────────────────────────────────────────────────
	w, err := wallet.New(cfg.Keys.Solver, node.ChainID())
	if err != nil {
		log.Fatal("solver key unusable", zap.Error(err))
	}
	log.Info("solver identity", zap.String("address", w.Address().Hex()))

	relayKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Keys.Relay, "0x"))
	if err != nil {
		log.Fatal("relay signing key unusable", zap.Error(err))
	}

	// The matchmaker key is shared operator config; the solver only needs
	// the address it resolves to. Without a base URL to post solutions to,
	// matchmaker-restricted intents cannot be worked and stay rejected.
	mmAddr := addrbook.Zero
	if cfg.Keys.Matchmaker != "" && cfg.Matchmaker.BaseURL != "" {
		mmKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Keys.Matchmaker, "0x"))
		if err != nil {
			log.Fatal("matchmaker key unusable", zap.Error(err))
		}
		mmAddr = crypto.PubkeyToAddress(mmKey.PublicKey)
	} else if cfg.Keys.Matchmaker != "" {
		log.Warn("MATCHMAKER_BASE_URL not set, matchmaker-restricted intents disabled")
	}

	// ── Relays ────────────────────────────────────────────────────────────────
	fb := relay.NewFlashbots(cfg.Relay.FlashbotsURL, relayKey, node, log)
	defer fb.Close() //nolint:errcheck
	var private relay.Relay = fb
	if cfg.Relay.BloxrouteAuthToken != "" {
		private = relay.NewBloxroute(cfg.Relay.BloxrouteEndpoint, cfg.Relay.BloxrouteAuthToken, fb, node, log)
	}
	public := relay.NewPublic(node, log)

	// ── Quote sources ─────────────────────────────────────────────────────────
	agg := zeroex.New(cfg.ZeroEx.APIURL, cfg.ZeroEx.APIKey, book, node, log)
	var erc20Source quote.Source = agg
	if cfg.Router.APIURL != "" {
		erc20Source = router.New(cfg.Router.APIURL, book, node, log)
	}
	nftSource := reservoir.New(cfg.Reservoir.APIURL, cfg.Reservoir.APIKey, book, w, log)

	// ── Queues ────────────────────────────────────────────────────────────────
	erc20Queue := queue.New(rdb, "solve:erc20", log)
	erc721Queue := queue.New(rdb, "solve:erc721", log)
	inventoryQueue := queue.New(rdb, "inventory", log)
	for _, q := range []*queue.Queue{erc20Queue, erc721Queue, inventoryQueue} {
		if _, err := q.Recover(ctx); err != nil {
			log.Fatal("queue recovery failed", zap.String("queue", q.Name()), zap.Error(err))
		}
	}
	queues := map[intent.Protocol]*queue.Queue{
		intent.ERC20:  erc20Queue,
		intent.ERC721: erc721Queue,
	}

	// ── Shared services ───────────────────────────────────────────────────────
	met := metrics.New()
	board := status.NewBoard(rdb)
	solutions := matchmaker.NewSolutionCache(rdb)
	var mmClient *matchmaker.Client
	if cfg.Matchmaker.BaseURL != "" {
		mmClient = matchmaker.NewClient(cfg.Matchmaker.BaseURL, log)
	}
	inv := inventory.New(book, node, w, agg, inventoryQueue, rdb, met, log)

	// ── Solve engines ─────────────────────────────────────────────────────────
	newEngine := func(cap solver.Capability, b solver.StatusBoard) *solver.Engine {
		deps := solver.Deps{
			Book:                      book,
			Codec:                     codec,
			Node:                      node,
			Wallet:                    w,
			Capability:                cap,
			Private:                   private,
			Public:                    public,
			Solutions:                 solutions,
			Inventory:                 inv,
			Status:                    b,
			Metrics:                   met,
			MatchmakerAddr:            mmAddr,
			BaseURL:                   cfg.Matchmaker.SolverBaseURL,
			RelayDirectlyWhenPossible: cfg.Relay.DirectlyWhenPossible,
			Log:                       log,
		}
		if mmClient != nil {
			deps.Matchmaker = mmClient
		}
		return solver.NewEngine(deps)
	}
	erc20Engine := newEngine(solver.NewERC20Capability(book, erc20Source), nil)
	erc721Engine := newEngine(solver.NewERC721Capability(book, nftSource), board)

	// ── Goroutines ────────────────────────────────────────────────────────────
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(queue.NewWorker(erc20Queue, solver.SolveConcurrency, chain.BlockTime, erc20Engine.Handle).Run)
	run(queue.NewWorker(erc721Queue, solver.SolveConcurrency, chain.BlockTime, erc721Engine.Handle).Run)
	run(inv.Run)
	if cfg.Node.WSURL != "" {
		run(listener.New(book, codec, node, queues, rdb, met, log).Run)
	} else {
		log.Warn("NODE_WS_URL not set, mempool listener disabled")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	api.NewHandler(codec, queues, solutions, board, met, log).Register(r.Group("/"))
	api.NewAdmin(met, log, erc20Queue, erc721Queue, inventoryQueue).Register(r.Group("/admin"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
