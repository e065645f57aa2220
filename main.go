package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/usdt_vault/balance"
	"github.com/usdt_vault/chain"
	"github.com/usdt_vault/config"
	"github.com/usdt_vault/handler"
	"github.com/usdt_vault/idempotency"
	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/logger"
	"github.com/usdt_vault/middleware"
	"github.com/usdt_vault/model"
	"github.com/usdt_vault/repository"
	"github.com/usdt_vault/router"
	"github.com/usdt_vault/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	l := logger.New(logger.Config{
		File:        cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxAge:      cfg.Log.MaxAge,
		MaxBackups:  cfg.Log.MaxBackups,
		Compress:    cfg.Log.Compress,
		Development: cfg.Log.Development,
	})
	defer logger.Sync(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Fatal("vault stopped", zap.Error(err))
	}
	l.Info("vault stopped")
}

func openDB(cfg config.DatabaseConfig, l *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.NewGormLogger(l, gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}
	return db, nil
}

func newSigner(cfg config.ChainConfig) (chain.Signer, error) {
	if cfg.SignerURL != "" {
		return chain.NewRemoteSigner(cfg.SignerURL, 0), nil
	}
	wallet, err := chain.NewHDWallet(cfg.Mnemonic, "")
	if err != nil {
		return nil, err
	}
	return chain.NewHDSigner(wallet), nil
}

// coordination returns the lock table and idempotency store: redis backed
// when several instances share accounts, in process otherwise.
func coordination(ctx context.Context, cfg *config.Config, l *zap.Logger) (lock.Table, idempotency.Store, func(), error) {
	idemOpts := idempotency.Options{
		Retention:   cfg.Wallet.IdempotencyRetention,
		InFlightTTL: cfg.Wallet.IdempotencyInFlightTTL,
	}
	if !cfg.Redis.Enabled {
		return lock.NewMemoryTable(), idempotency.NewMemoryStore(idemOpts), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis: %w", err)
	}
	closeFn := func() { _ = client.Close() }
	return lock.NewRedisTable(client, l), idempotency.NewRedisStore(client, idemOpts), closeFn, nil
}

func run(ctx context.Context, cfg *config.Config, l *zap.Logger) error {
	db, err := openDB(cfg.Database, l)
	if err != nil {
		return err
	}

	rpcClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpcClient.Close()
	client := chain.NewClient(rpcClient, chain.BreakerSettings{ConsecutiveFailures: cfg.Chain.BreakerFailures}, l)

	signer, err := newSigner(cfg.Chain)
	if err != nil {
		return err
	}
	locks, idem, closeRedis, err := coordination(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeRedis()

	price, err := decimal.NewFromString(cfg.Chain.NativePriceUSD)
	if err != nil {
		return fmt.Errorf("chain.native_price_usd: %w", err)
	}
	token := chain.Token{
		Contract: common.HexToAddress(cfg.Chain.USDTContract),
		Decimals: cfg.Chain.USDTDecimals,
	}

	addressRepo := repository.NewAddressRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	savingsRepo := repository.NewSavingsRepository(db)
	investmentRepo := repository.NewInvestmentRepository(db)

	addresses := service.NewAddressService(addressRepo, signer, l)
	ledger := balance.NewLedger(chain.NewBalanceSource(client, addresses, token), savingsRepo)
	fees := chain.NewFeeEstimator(client, addresses, token, price)
	executor := chain.NewExecutor(client, signer, chain.ExecutorConfig{
		Token:             token,
		ChainID:           big.NewInt(cfg.Chain.ChainID),
		PollInterval:      cfg.Wallet.PollInterval,
		SettlementTimeout: cfg.Wallet.SettlementTimeout,
	}, l)
	explorer := chain.NewExplorer(chain.ExplorerConfig{
		BaseURL:      cfg.Chain.ExplorerURL,
		APIKey:       cfg.Chain.ExplorerAPIKey,
		Token:        token,
		RequestsPerS: cfg.Chain.ExplorerRPS,
	})

	policy := lock.Policy{
		TTL:          cfg.Wallet.LockTTL,
		MaxAttempts:  cfg.Wallet.LockAttempts,
		InitialDelay: cfg.Wallet.LockInitialDelay,
		MaxDelay:     cfg.Wallet.LockMaxDelay,
	}
	transfers := service.NewTransferService(locks, idem, ledger, fees, executor, transferRepo, service.TransferOptions{
		LockPolicy:        policy,
		QuoteTTL:          cfg.Wallet.QuoteTTL,
		CallTimeout:       cfg.Wallet.CallTimeout,
		SettlementTimeout: cfg.Wallet.SettlementTimeout,
		StableDecimals:    cfg.Chain.USDTDecimals,
	}, l)
	savings := service.NewSavingsService(locks, policy, cfg.Wallet.CallTimeout, savingsRepo, ledger, l)
	investments := service.NewInvestmentService(locks, policy, investmentRepo, l)
	wallet := service.NewWalletService(addresses, ledger, transferRepo, explorer, price)
	reconciler := service.NewReconciler(executor, transferRepo, service.ReconcilerConfig{
		Interval:   cfg.Wallet.ReconcileInterval,
		StaleAfter: 2 * cfg.Wallet.SettlementTimeout,
	}, l)
	sweeper := service.NewSweeper(locks, idem, cfg.Wallet.SweepInterval, l)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: cfg.Server.JWTSecret}, l)
	engine := router.SetupRouter(router.Handlers{
		Wallet:     handler.NewWalletHandler(wallet),
		Transfer:   handler.NewTransferHandler(transfers),
		Savings:    handler.NewSavingsHandler(savings),
		Investment: handler.NewInvestmentHandler(investments),
	}, auth.Middleware(), l)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: engine}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info("vault listening", zap.String("addr", cfg.Server.Addr), zap.Int64("chain_id", cfg.Chain.ChainID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	return g.Wait()
}
