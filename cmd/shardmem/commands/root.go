// Package commands implements the shardmem CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentmem/shardmem/compact"
	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/embed"
	"github.com/agentmem/shardmem/embed/openai"
	"github.com/agentmem/shardmem/evict"
	"github.com/agentmem/shardmem/router"
	"github.com/agentmem/shardmem/store"
	"github.com/agentmem/shardmem/store/badgerstore"
)

var (
	flagDataDir string
	flagConfig  string
	flagBackend string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "shardmem",
	Short: "Partitioned memory store for autonomous agents",
	Long: `shardmem stores short free-text memory records in domain shards,
routes new content by keyword scoring, and searches across shards by
embedding similarity with a lexical fallback.

State lives under --data-dir (default ./data). Set OPENAI_API_KEY to
embed with the OpenAI API; without it a deterministic local embedder
is used.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "data", "directory for shard state")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config (optional)")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "file", "storage backend: file or badger")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
}

// app bundles everything a command needs.
type app struct {
	cfg       *config.Config
	store     store.Store
	router    *router.Router
	compactor *compact.Compactor
	evictor   *evict.Evictor
	logger    *zap.Logger
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.logger.Sync()
}

// openApp loads config, opens the store, and initializes the router.
func openApp(ctx context.Context) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = flagDataDir

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	r, err := router.New(ctx, cfg, st, embedder, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     st,
		router:    r,
		compactor: compact.New(r, logger),
		evictor:   evict.New(r, st, logger),
		logger:    logger,
	}, nil
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch flagBackend {
	case "file":
		return store.NewFileStore(cfg.DataDir)
	case "badger":
		return badgerstore.New(badgerstore.Options{
			Dir:    filepath.Join(cfg.DataDir, "badger"),
			Logger: badgerZapLogger{logger.Sugar()},
		})
	default:
		return nil, fmt.Errorf("unknown backend %q (want file or badger)", flagBackend)
	}
}

// newEmbedder prefers the OpenAI backend when credentials are present and
// falls back to the deterministic local embedder otherwise. Either way the
// backend sits behind the shared cache.
func newEmbedder(logger *zap.Logger) (embed.Embedder, error) {
	var backend embed.Embedder
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		backend = openai.New(key)
		logger.Info("using OpenAI embeddings")
	} else {
		backend = embed.NewFallback(embed.DefaultDimension)
		logger.Info("using deterministic local embeddings")
	}
	return embed.NewCache(backend, 0)
}

// badgerZapLogger adapts a zap logger to the badger.Logger interface.
type badgerZapLogger struct {
	s *zap.SugaredLogger
}

func (l badgerZapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerZapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerZapLogger) Infof(f string, v ...interface{})    { l.s.Infof(f, v...) }
func (l badgerZapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
