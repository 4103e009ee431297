package main

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	configDirPathEnv     = "ZEROPAY_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// Config is the process-wide configuration, assembled from the environment
// variables named in the gateway's external interface: PORT, DATABASE_URL,
// REDIS_URL, MNEMONICS, WALLET, APIKEY, WEBHOOK, SCANNER_CONFIG.
type Config struct {
	Port         string
	dbConf       DatabaseConfig
	RedisURL     string
	Mnemonic     string
	InitWallet   string
	InitAPIKey   string
	InitWebhook  string
	chains       map[uint32]ChainConfig
}

// LoadConfig builds configuration from environment variables, mirroring the
// teacher's config.go: optional .env file, required-secret Fatal-on-missing
// checks, and delegating structured sub-config (database, chains) to their
// own loaders.
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var dbConf DatabaseConfig
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL != "" {
		var err error
		dbConf, err = ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse DATABASE_URL", "err", err)
			return nil, err
		}
	} else if err := cleanenv.ReadEnv(&dbConf); err != nil {
		logger.Error("failed to read database env", "err", err)
		return nil, err
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		logger.Fatal("REDIS_URL environment variable is required")
	}

	mnemonic := os.Getenv("MNEMONICS")
	if mnemonic == "" {
		logger.Fatal("MNEMONICS environment variable is required")
	}

	wallet := os.Getenv("WALLET")
	apikey := os.Getenv("APIKEY")
	webhook := os.Getenv("WEBHOOK")

	scannerConfigPath := os.Getenv("SCANNER_CONFIG")
	if scannerConfigPath == "" {
		logger.Fatal("SCANNER_CONFIG environment variable is required")
	}

	chains, err := LoadScannerConfig(scannerConfigPath)
	if err != nil {
		logger.Fatal("failed to load scanner config", "error", err)
	}

	for id, cfg := range chains {
		if err := VerifyChainID(cfg.RPCURL, id); err != nil {
			logger.Warn("chain RPC reported unexpected chain id", "chain_id", id, "err", err)
		}
	}

	return &Config{
		Port:        port,
		dbConf:      dbConf,
		RedisURL:    redisURL,
		Mnemonic:    mnemonic,
		InitWallet:  wallet,
		InitAPIKey:  apikey,
		InitWebhook: webhook,
		chains:      chains,
	}, nil
}
