package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/voucherlab/seckill/internal/adapter/handler"
	"github.com/voucherlab/seckill/internal/adapter/storage"
	"github.com/voucherlab/seckill/internal/cache"
	"github.com/voucherlab/seckill/internal/core/service"
	"github.com/voucherlab/seckill/internal/idgen"
	"github.com/voucherlab/seckill/internal/lock"
)

const (
	httpPort         = ":8080"
	mysqlDSN         = "root:root@tcp(localhost:3306)/seckill?parseTime=true"
	redisAddr        = "localhost:6379"
	consumerName     = "c1"
	rebuildWorkers   = 10
	seckillVoucherID = 10
	hotShopID        = 1
	shopWarmupTTL    = 10 * time.Minute
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect mysql")
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Fatal("failed to ping mysql")
	}
	logger.Info("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("failed to connect redis")
	}
	logger.Info("connected to redis")

	// Initialize adapters
	redisAdapter := storage.NewRedisAdapter(rdb, consumerName)
	mysqlAdapter := storage.NewMySQLAdapter(db)
	cacheClient := cache.NewClient(rdb, logger, rebuildWorkers)
	locks := lock.NewFactory(rdb)
	ids := idgen.NewGenerator(rdb)

	// Sync authoritative stock into Redis for the admission script
	voucher, err := mysqlAdapter.GetVoucher(ctx, seckillVoucherID)
	if err != nil {
		logger.WithError(err).Fatal("failed to load seckill voucher")
	}
	if voucher == nil {
		logger.WithField("voucher_id", seckillVoucherID).Warn("seckill voucher not found, skipping stock seed")
	} else {
		if err := redisAdapter.SeedStock(ctx, voucher.ID, voucher.Stock); err != nil {
			logger.WithError(err).Fatal("failed to seed stock")
		}
		logger.WithFields(logrus.Fields{
			"voucher_id": voucher.ID,
			"stock":      voucher.Stock,
		}).Info("seeded voucher stock")
	}

	// Initialize services
	vouchers := storage.NewCachedVoucherRepository(cacheClient, mysqlAdapter)
	orderService := service.NewOrderService(redisAdapter, vouchers, ids, logger)
	shopService := service.NewShopService(cacheClient, mysqlAdapter)
	orderWorker := service.NewOrderWorker(redisAdapter, mysqlAdapter, locks, logger)

	// Preload the flagship shop so its stale-tolerant read path has an entry
	if err := shopService.Warmup(ctx, hotShopID, shopWarmupTTL); err != nil {
		logger.WithError(err).WithField("shop_id", hotShopID).Warn("shop warmup skipped")
	} else {
		logger.WithField("shop_id", hotShopID).Info("warmed hot shop cache")
	}

	// Start the order worker: a single dedicated consumer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orderWorker.Run(ctx)
	}()
	logger.Info("order worker started")

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(orderService, shopService)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpHandler.HealthCheck)
	mux.HandleFunc("/api/voucher/seckill", httpHandler.SeckillVoucher)
	mux.HandleFunc("/api/shop", httpHandler.Shop)

	httpServer := &http.Server{
		Addr:    httpPort,
		Handler: mux,
	}

	go func() {
		logger.WithField("addr", httpPort).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("HTTP server stopped")

	// Stop the worker and wait for the in-flight intent
	cancel()
	wg.Wait()
	logger.Info("order worker stopped")

	rdb.Close()
	db.Close()
	logger.Info("connections closed")
}
