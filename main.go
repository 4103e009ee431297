package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLoggerIPFS("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	keys, err := NewKeyDeriver(config.Mnemonic)
	if err != nil {
		logger.Fatal("failed to initialize key derivation service", "error", err)
	}

	if err := seedDefaultMerchant(db, config, logger); err != nil {
		logger.Fatal("failed to seed default merchant", "error", err)
	}

	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse REDIS_URL", "error", err)
	}
	rdb := redis.NewClient(redisOpts)

	metrics := NewMetrics()

	webhookNotifier := NewWebhookNotifier(db, rdb, metrics, logger)
	go webhookNotifier.Run(context.Background())

	matcher := NewSessionMatcher(db, config.chains, webhookNotifier, metrics, logger)

	for chainID, cfg := range config.chains {
		watcher, err := NewChainWatcher(cfg, db, metrics, logger, func(ctx context.Context, deposit *Deposit) {
			metrics.DepositsObserved.WithLabelValues(chainIDLabel(deposit.ChainID), deposit.Token).Inc()
			if err := matcher.Match(ctx, deposit); err != nil {
				logger.Error("failed to match deposit", "deposit_id", deposit.ID, "error", err)
			}
		})
		if err != nil {
			logger.Fatal("failed to initialize chain watcher", "chain_id", chainID, "error", err)
		}
		go watcher.Run(context.Background())
	}

	settlementWorker, err := NewSettlementWorker(db, config.chains, keys, webhookNotifier, metrics, logger)
	if err != nil {
		logger.Fatal("failed to initialize settlement worker", "error", err)
	}
	go settlementWorker.Start(context.Background())

	x402Facilitator := NewX402Facilitator(config.chains)
	api := NewHTTPAPI(db, keys, x402Facilitator, matcher, metrics, logger)

	apiListenAddr := ":" + config.Port
	apiServer := &http.Server{
		Addr:    apiListenAddr,
		Handler: api.Routes(),
	}

	metricsListenAddr := ":4242"
	metricsEndpoint := "/metrics"
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    metricsListenAddr,
		Handler: metricsMux,
	}

	go metrics.RecordMetricsPeriodically(db, logger)

	go func() {
		logger.Info("prometheus metrics available", "listenAddr", metricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("api server available", "listenAddr", apiListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failure", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down api server", "error", err)
	}

	logger.Info("shutdown complete")
}

// seedDefaultMerchant creates a merchant row from the WALLET/APIKEY/WEBHOOK
// environment variables on first run, so a fresh deployment has a usable
// merchant without a separate admin bootstrap step. It is a no-op once any
// merchant exists, and a no-op if the bootstrap variables were not set.
func seedDefaultMerchant(db *gorm.DB, config *Config, logger Logger) error {
	if config.InitWallet == "" && config.InitAPIKey == "" && config.InitWebhook == "" {
		return nil
	}

	var count int64
	if err := db.Model(&Merchant{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	merchant := Merchant{
		Account:    "default",
		Name:       "default",
		APIKey:     config.InitAPIKey,
		WebhookURL: config.InitWebhook,
		EthAddress: config.InitWallet,
	}
	if err := db.Create(&merchant).Error; err != nil {
		return err
	}
	logger.Info("seeded default merchant", "merchant_id", merchant.ID)
	return nil
}

func runCli(logger Logger, name string) {
	switch name {
	case "reconcile":
		runReconcileCli(logger)
	case "export-settlements":
		runExportSettlementsCli(logger)
	default:
		logger.Fatal("unknown CLI command", "name", name)
	}
}

func chainIDLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
