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
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/relay"
	"github.com/memswap/solver/internal/submitter"
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
	if cfg.Keys.Matchmaker == "" {
		log.Fatal("config load failed", zap.String("missing", "MATCHMAKER_SIGNING_KEY"))
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
	node, err := chain.Dial(ctx, cfg.Node.RPCURL, "", log)
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
	w, err := wallet.New(cfg.Keys.Matchmaker, node.ChainID())
	if err != nil {
		log.Fatal("matchmaker key unusable", zap.Error(err))
	}
	log.Info("matchmaker identity", zap.String("address", w.Address().Hex()))

	relayKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Keys.Relay, "0x"))
	if err != nil {
		log.Fatal("relay signing key unusable", zap.Error(err))
	}

	// ── Relay ─────────────────────────────────────────────────────────────────
	// Authorizations ride at the front of the winner's own bundle, so the
	// private path is the only one that preserves ordering.
	fb := relay.NewFlashbots(cfg.Relay.FlashbotsURL, relayKey, node, log)
	defer fb.Close() //nolint:errcheck
	var private relay.Relay = fb
	if cfg.Relay.BloxrouteAuthToken != "" {
		private = relay.NewBloxroute(cfg.Relay.BloxrouteEndpoint, cfg.Relay.BloxrouteAuthToken, fb, node, log)
	}

	// ── Authorization submitter ───────────────────────────────────────────────
	authQueue := queue.New(rdb, "authorizations", log)
	if _, err := authQueue.Recover(ctx); err != nil {
		log.Fatal("queue recovery failed", zap.String("queue", authQueue.Name()), zap.Error(err))
	}
	met := metrics.New()
	svc := submitter.New(codec, node, w, private, authQueue, rdb, met, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	api.NewMatchmakerHandler(svc, log).Register(r.Group("/"))
	api.NewAdmin(met, log, authQueue).Register(r.Group("/admin"))

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
