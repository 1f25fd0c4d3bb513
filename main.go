package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"

	"github.com/farmchainx/farmchainx-core/app"
	appconfig "github.com/farmchainx/farmchainx-core/config"
	"github.com/farmchainx/farmchainx-core/lifecycle"
	"github.com/farmchainx/farmchainx-core/repository"
	"github.com/farmchainx/farmchainx-core/server"
	"github.com/farmchainx/farmchainx-core/srvreg"
	"github.com/farmchainx/farmchainx-core/trace"
)

var (
	homeDir  string
	httpPort string
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/trace-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port (overrides HTTP_PORT)")
}

func main() {
	flag.Parse()

	log.Println("=== Starting FarmChainX Batch Lifecycle Node ===")

	// Load service configuration
	svcCfg := appconfig.LoadConfig()
	if httpPort != "" {
		svcCfg.HTTPPort = httpPort
	}
	if err := svcCfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	log.Printf("HTTP Port: %s", svcCfg.HTTPPort)
	log.Printf("Database: %s:%s/%s", svcCfg.DatabaseHost, svcCfg.DatabasePort, svcCfg.DatabaseName)
	log.Printf("CometBFT Home: %s", homeDir)

	// Load CometBFT configuration
	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	// Connect to PostgreSQL
	repo := repository.NewRepository()
	if err := repo.ConnectDB(svcCfg.GetDSN()); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}

	// Initialize Badger DB for anchor chain storage
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening badger database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing badger database: %v", err)
		}
	}()

	// Create logger
	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}

	// Lifecycle engine, trace query service, HTTP service registry
	engine := lifecycle.NewEngine(repo, &lifecycle.Config{TraceBaseURL: svcCfg.TraceBaseURL}, logger)
	traceSvc := trace.NewService(repo)
	serviceRegistry := srvreg.NewServiceRegistry(repo, engine, traceSvc, logger)
	serviceRegistry.RegisterDefaultServices()

	// Create ABCI anchoring application
	abciApp := app.NewABCIApplication(db, &app.AppConfig{
		NodeID:    filepath.Base(homeDir),
		LogAllTxs: true,
	}, logger)

	// Load private validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// Load node key for P2P networking
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("Failed to load node's key: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(abciApp),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating CometBFT node: %v", err)
	}

	abciApp.SetNodeID(string(node.NodeInfo().ID()))
	logger.Info("Trace anchor node initialized", "node_id", string(node.NodeInfo().ID()))

	// Wire the anchor RPC client into the repository
	rpcClient := cmtrpc.New(node)
	repo.SetupRpcClient(rpcClient)

	// Start CometBFT node
	logger.Info("Starting CometBFT node...")
	if err := node.Start(); err != nil {
		log.Fatalf("Starting CometBFT node: %v", err)
	}
	defer func() {
		logger.Info("Stopping CometBFT node...")
		node.Stop()
		node.Wait()
	}()

	// Start Web Server
	webserver := server.NewWebServer(svcCfg.HTTPPort, serviceRegistry, logger)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	logger.Info("=== FarmChainX Node Successfully Started ===")
	logger.Info("HTTP API", "url", fmt.Sprintf("http://localhost:%s", svcCfg.HTTPPort))

	logger.Info("Available endpoints:")
	logger.Info("  POST /api/batches - Plant a new batch")
	logger.Info("  GET  /api/batches/farmer/{farmerId} - List a farmer's batches")
	logger.Info("  GET  /api/batches/pending - List batches awaiting distributor review")
	logger.Info("  GET  /api/batches/{batchId}/crops - List crops for a batch")
	logger.Info("  PUT  /api/batches/{batchId}/status - Advance status / record quality")
	logger.Info("  POST /api/batches/{batchId}/split - Split a batch")
	logger.Info("  POST /api/batches/merge/{targetId} - Merge batches")
	logger.Info("  PUT  /api/batches/distributor/approve/{batchId}/{distributorId}")
	logger.Info("  PUT  /api/batches/distributor/reject/{batchId}/{distributorId}")
	logger.Info("  POST /api/batches/process-daily-harvest/{farmerId}")
	logger.Info("  GET  /api/batches/{batchId}/trace - Full provenance chain")
	logger.Info("  GET  /api/admin/reports/batch-status - Counts by status")

	// Wait for interrupt signal to gracefully shut down
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal, shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down HTTP web server", "err", err)
	}
	logger.Info("Node gracefully stopped")
}
