package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/config"
	"github.com/agentworkforce/treemirror/internal/docsync"
	"github.com/agentworkforce/treemirror/internal/events"
	"github.com/agentworkforce/treemirror/internal/folders"
	"github.com/agentworkforce/treemirror/internal/localtree"
	"github.com/agentworkforce/treemirror/internal/logging"
	"github.com/agentworkforce/treemirror/internal/registry"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	authority *localtree.Authority
	store     registry.Store
	registry  *registry.Registry
	hub       *events.Hub
	manager   *folders.Manager
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := logging.Init(cfg.LoggingConfig()); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	logger := logging.L()

	authority, err := localtree.NewAuthority(cfg.GrantsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	store, err := registry.BuildStoreFromDSN(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store: %w", err)
	}
	resolver := docsync.NewResolverWithHashBytes(cfg.Paths.MirrorsDir, cfg.Sync.MirrorHashBytes)
	reg := registry.New(store, authority, resolver, registry.Options{
		MaxRecent: cfg.Registry.MaxRecent,
		Logger:    logger.Named("registry"),
	})
	skip := docsync.NewSkipList(cfg.Sync.SkipDirectories)
	hub := events.NewHub()
	syncLogger := logger.Named("sync")
	manager, err := folders.NewManager(folders.Options{
		Provider:  localtree.NewProvider(authority),
		Authority: authority,
		Registry:  reg,
		Resolver:  resolver,
		Notifiers: func() (docsync.Notifier, error) {
			return docsync.NewNotifier(cfg.Sync.WatchBackend, skip, syncLogger)
		},
		Skip:             skip,
		MaxFileSizeBytes: cfg.Sync.MaxFileSizeBytes,
		QueueCapacity:    cfg.Sync.QueueCapacity,
		DrainTimeout:     cfg.Sync.DrainTimeout,
		Events:           hub,
		Logger:           syncLogger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Debug("configuration loaded",
		zap.String("data_dir", cfg.Paths.DataDir),
		zap.String("mirrors_dir", cfg.Paths.MirrorsDir),
		zap.String("watch_backend", cfg.Sync.WatchBackend),
	)
	return &app{
		cfg:       cfg,
		logger:    logger,
		authority: authority,
		store:     store,
		registry:  reg,
		hub:       hub,
		manager:   manager,
	}, nil
}

// Close stops the active folder, draining its write-backs, and releases the
// registry store.
func (a *app) Close() error {
	if err := a.manager.CloseActiveFolder(); err != nil {
		a.logger.Warn("failed to close active folder", zap.Error(err))
	}
	err := a.store.Close()
	_ = logging.Sync()
	return err
}

// treeIDFromArg turns a command line path into a local tree id.
func treeIDFromArg(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("a folder path is required")
	}
	if strings.HasPrefix(arg, "file://") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	return abs, nil
}
