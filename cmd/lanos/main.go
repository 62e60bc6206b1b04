package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/Puskar-Roy/Lan-OS/lib/discovery"
	"github.com/Puskar-Roy/Lan-OS/lib/engine"
	"github.com/Puskar-Roy/Lan-OS/lib/history"
	"github.com/Puskar-Roy/Lan-OS/lib/outbox"
	"github.com/Puskar-Roy/Lan-OS/lib/transfer"
	"github.com/Puskar-Roy/Lan-OS/utils/configutil"
	"github.com/Puskar-Roy/Lan-OS/utils/log"
)

// Config defines the complete Lan-OS node configuration.
type Config struct {
	Log       log.Config       `yaml:"log"`
	Engine    engine.Config    `yaml:"engine"`
	Discovery discovery.Config `yaml:"discovery"`
	Transfer  transfer.Config  `yaml:"transfer"`
	History   history.Config   `yaml:"history"`
	Outbox    outbox.Config    `yaml:"outbox"`
}

// Node bundles every running component.
type Node struct {
	config Config
	logger *zap.Logger

	transfers *transfer.Engine
	store     *history.Store
	engine    *engine.Engine
	disc      *discovery.Service
	watcher   *outbox.Watcher
}

// NewNode creates a node from config.
func NewNode(config Config, logger *zap.Logger) (*Node, error) {
	clk := clock.New()
	stats := tally.NoopScope

	store, err := history.NewStore(config.History, logger)
	if err != nil {
		return nil, fmt.Errorf("create history store: %s", err)
	}

	transfers, err := transfer.NewEngine(config.Transfer, clk, stats, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create transfer engine: %s", err)
	}

	eng, err := engine.New(config.Engine, transfers, store, clk, stats, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create peer engine: %s", err)
	}

	node := &Node{
		config:    config,
		logger:    logger,
		transfers: transfers,
		store:     store,
		engine:    eng,
	}

	node.disc = discovery.NewService(config.Discovery, eng.NodeID(), config.Engine.Name, eng.Port(), clk, logger)

	if config.Outbox.Enable {
		watcher, err := outbox.NewWatcher(config.Outbox, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create outbox watcher: %s", err)
		}
		node.watcher = watcher
	}

	return node, nil
}

// Start starts every component.
func (n *Node) Start() error {
	if err := n.engine.Start(); err != nil {
		return fmt.Errorf("start peer engine: %s", err)
	}

	if err := n.disc.Start(); err != nil {
		return fmt.Errorf("start discovery: %s", err)
	}
	n.engine.Consume(n.disc.Events())

	if n.watcher != nil {
		if err := n.watcher.Start(); err != nil {
			return fmt.Errorf("start outbox watcher: %s", err)
		}
		n.engine.ConsumeOutbox(n.watcher.Files())
	}

	return nil
}

// Stop stops every component gracefully.
func (n *Node) Stop() {
	if n.watcher != nil {
		n.watcher.Stop()
	}
	n.disc.Stop()
	n.engine.Stop()
	n.store.Close()
}

// Run starts the node and drives the operator console until exit.
func Run(config Config) {
	logger, err := log.New(config.Log, nil)
	if err != nil {
		panic(fmt.Sprintf("log: %s", err))
	}
	defer logger.Sync()

	node, err := NewNode(config, logger)
	if err != nil {
		logger.Fatal("Failed to create node", zap.Error(err))
	}

	if err := node.Start(); err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}

	logger.Info("Lan-OS node started",
		zap.String("node_id", node.engine.NodeID()),
		zap.Int("port", node.engine.Port()))

	console := newConsole(node.engine, node.store)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		console.Close()
	}()

	console.Run()

	node.Stop()
	logger.Info("Lan-OS node stopped")
}

// ParseFlags parses command line flags and returns the configuration.
func ParseFlags() Config {
	var (
		app = kingpin.New("lanos", "Peer-to-peer LAN communication node")

		configFile = app.Flag("config", "Configuration file path").Default("config.yaml").String()
		name       = app.Flag("name", "Display name announced to peers").String()
		port       = app.Flag("port", "TCP listen port (0 picks a free one)").Int()
	)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	config := Config{}
	if _, err := os.Stat(*configFile); err == nil {
		if err := configutil.Load(*configFile, &config); err != nil {
			panic(fmt.Sprintf("load config: %s", err))
		}
	}

	overrideConfigWithEnv(&config)

	if *name != "" {
		config.Engine.Name = *name
	}
	if *port != 0 {
		config.Engine.ListenPort = *port
	}

	return config
}

// overrideConfigWithEnv overrides configuration with environment variables.
func overrideConfigWithEnv(config *Config) {
	if nodeID := os.Getenv("LANOS_NODE_ID"); nodeID != "" {
		config.Engine.NodeID = nodeID
	}
	if name := os.Getenv("LANOS_NAME"); name != "" {
		config.Engine.Name = name
	}
	if port := os.Getenv("LANOS_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			config.Engine.ListenPort = parsed
		}
	}
	if logLevel := os.Getenv("LANOS_LOG_LEVEL"); logLevel != "" {
		config.Log.Level = logLevel
	}
	if receiveDir := os.Getenv("LANOS_RECEIVE_DIR"); receiveDir != "" {
		config.Transfer.ReceiveDir = receiveDir
	}
}

func main() {
	config := ParseFlags()
	Run(config)
}
