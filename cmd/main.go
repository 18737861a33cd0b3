package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs/adapters"
	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/filesystem"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/brettbedarf/memfs/metrics"
	"github.com/brettbedarf/memfs/requests"
	"github.com/brettbedarf/memfs/server"
	"github.com/brettbedarf/memfs/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// unmountTimeout bounds the wait for in-flight operations at shutdown
const unmountTimeout = 10 * time.Second

func main() {
	// Parse command line arguments
	var (
		configPath  string
		verbose     int
		nodesDef    string
		storageName string
		metricsAddr string
		umount      bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (yaml or json)")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&nodesDef, "nodes", "", "Path to seed nodes def file (yaml or json)")
	flag.StringVar(&nodesDef, "n", "", "--nodes (shorthand)")
	flag.StringVar(&storageName, "storage", "", "File storage backend: memory or badger. Overrides the config file.")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve prometheus metrics on this address, i.e. :9100")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.IntVar(&verbose, "verbose", config.InfoVerbose, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", config.InfoVerbose, "--verbose (shorthand)")
	flag.Parse()

	// Initialize logger before the config so config errors are reported
	util.InitializeLogger(config.NewConfig(&config.ConfigOverride{LogLvl: &verbose}).LogLvl)
	logger := util.GetLogger("main")

	mnt := flag.Arg(0)
	logger.Info().Int("verbose", verbose).Str("config", configPath).Str("nodes", nodesDef).Str("mnt", mnt).
		Msg("memfs server initializing")
	// Check if mount point is provided
	if mnt == "" {
		logger.Fatal().Msg("Mount point not specified; it must be passed as the argument")
	}

	override := &config.ConfigOverride{}
	if configPath != "" {
		var err error
		if override, err = config.LoadConfigOverrideFile(configPath); err != nil {
			logger.Fatal().Err(err).Str("config", configPath).Msg("Failed to load config file")
		}
	}
	override.LogLvl = &verbose
	if storageName != "" {
		override.Storage = &storageName
	}
	cfg := config.NewConfig(override)
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	util.InitializeLogger(cfg.LogLvl)

	// Try unmount if requested
	if umount { // send cli command
		cmd := exec.Command("fusermount", "-u", mnt)
		// we ignore error here if not already mounted
		cmd.Run() // nolint:errcheck
	}

	// Register all built-in adapters and storage backends
	adapters.RegisterBuiltins(adapters.Default())
	storage.RegisterBuiltins()
	fstype := &filesystem.FSType{Name: cfg.FsName, NewBinding: storage.NewBinding}
	if err := filesystem.Register(fstype); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register filesystem type")
	}

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	var opts []filesystem.MountOption
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, filesystem.WithMetrics(metrics.New(reg)))
		metricsSrv := metrics.NewServer(metricsAddr, reg)
		go func() {
			if err := metricsSrv.Start(metricsCtx); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	fs, err := server.New(cfg, fstype, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create filesystem")
	}

	// Load seed nodes
	if nodesDef != "" {
		if cfg.ReadOnly {
			logger.Fatal().Msg("Seed nodes need a writable mount")
		}
		seed(fs.FileSystem, nodesDef)
	} else {
		logger.Warn().Msg("No seed nodes file provided")
	}

	// Serve
	if err := fs.Serve(mnt); err != nil {
		logger.Fatal().Err(err).Msg("Failed to mount filesystem")
	}

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	logger.Info().Str("mountpoint", mnt).Msg("Filesystem mounted successfully")

	// Wait for termination signal
	sig := <-signalChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting filesystem")

	// Unmount the filesystem
	ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
	defer cancel()
	if err := fs.Unmount(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to unmount filesystem")
	} else {
		logger.Info().Msg("Filesystem unmounted successfully")
	}
}

// seed creates the nodes listed in the file at p. Bad requests are logged and skipped.
func seed(fs *filesystem.FileSystem, p string) {
	logger := util.GetLogger("main.seed")
	dtos, err := requests.LoadFile(p)
	if err != nil {
		logger.Fatal().Err(err).Str("nodes", p).Msg("Failed to read seed nodes file")
	}
	logger.Debug().Str("nodes", p).Int("requests", len(dtos)).Msg("Seed nodes file loaded successfully")

	def := requests.DefaultDefaults()
	var reqs []*requests.NodeRequest
	for _, dto := range dtos {
		req, err := requests.Convert(dto, adapters.Default(), def)
		if err != nil {
			logger.Error().Err(err).Str("path", dto.Path).Msg("Failed to convert seed request")
			continue
		}
		reqs = append(reqs, req)
	}

	res, err := requests.Apply(context.Background(), fs, reqs, def)
	if err != nil {
		logger.Error().Err(err).Int("failed", len(reqs)-res.Total()).Msg("Some seed requests failed")
	}
}
