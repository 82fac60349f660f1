package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/susamn/treecached/internal/cache"
	"github.com/susamn/treecached/internal/cache/kvstore"
	"github.com/susamn/treecached/internal/callbackbus"
	"github.com/susamn/treecached/internal/config"
	"github.com/susamn/treecached/internal/eventlog"
	"github.com/susamn/treecached/internal/logger"
	"github.com/susamn/treecached/internal/prefetch"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusConfigPath := statusCmd.String("config", "", "Path to config file")

	warmCmd := flag.NewFlagSet("warm", flag.ExitOnError)
	warmConfigPath := warmCmd.String("config", "", "Path to config file")
	warmRoot := warmCmd.String("root", "", "Root ID to warm (from config roots)")
	warmDepth := warmCmd.Int("depth", 6, "Maximum prefetch depth")

	clearCmd := flag.NewFlagSet("clear", flag.ExitOnError)
	clearConfigPath := clearCmd.String("config", "", "Path to config file")

	switch os.Args[1] {
	case "status":
		statusCmd.Parse(os.Args[2:])
		handleStatus(*statusConfigPath)
	case "warm":
		warmCmd.Parse(os.Args[2:])
		handleWarm(*warmConfigPath, *warmRoot, *warmDepth)
	case "clear":
		clearCmd.Parse(os.Args[2:])
		handleClear(*clearConfigPath)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Expected 'status', 'warm', or 'clear' subcommands")
}

func mustSetup(configPath string) (*config.Config, *cache.Controller, func()) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		fatal("init logger: %v", err)
	}

	ctx := context.Background()
	store, err := kvstore.Open(ctx, cfg.Store.DBName)
	if err != nil {
		logger.WithError(err).Warn("failed to open durable store, falling back to in-memory no-op store")
	}

	var kv cache.KVStore
	if store != nil {
		kv = store
	} else {
		kv = cache.NewNoopStore()
	}

	controller, err := cache.NewController(ctx, kv, cache.SystemClock{}, cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxAgeMs:   cfg.Cache.MaxAgeMs,
		FreshTTL:   cfg.Cache.FreshTTL,
	})
	if err != nil {
		fatal("init controller: %v", err)
	}

	cleanup := func() {
		if store != nil {
			_ = store.Close()
		}
	}
	return cfg, controller, cleanup
}

func handleStatus(configPath string) {
	cfg, controller, cleanup := mustSetup(configPath)
	defer cleanup()

	stats := controller.GetCacheStats()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "entries:\t%d\n", stats.TotalEntries)
	fmt.Fprintf(w, "size bytes:\t%d\n", stats.TotalSizeBytes)
	fmt.Fprintf(w, "hit rate:\t%.2f\n", stats.HitRate)
	fmt.Fprintf(w, "batch writes:\t%d\n", stats.BatchWrites)
	fmt.Fprintf(w, "roots configured:\t%d\n", len(cfg.Roots))
	w.Flush()
}

func handleWarm(configPath, rootID string, depth int) {
	cfg, controller, cleanup := mustSetup(configPath)
	defer cleanup()

	var rootPath string
	for _, r := range cfg.Roots {
		if r.ID == rootID {
			rootPath = r.Path
			break
		}
	}
	if rootPath == "" {
		fatal("unknown root id %q", rootID)
	}

	adapter, err := prefetch.NewLocalFilesystemAdapter(rootPath)
	if err != nil {
		fatal("init adapter: %v", err)
	}

	bus := callbackbus.New()
	log := eventlog.New()
	bus.SubscribeDirectoryLoaded(func(node *cache.DirectoryNode, token uint64) {
		log.Append("directory_loaded", node.Path, nil)
	})
	bus.SubscribeError(func(path string, token uint64, err error) {
		log.Append("error", path, err.Error())
		logger.WithError(err).Warnf("failed to prefetch %q", path)
	})

	scheduler := prefetch.New(controller, adapter, bus, cfg.Cache.WorkerCount, prefetch.Options{
		MaxPrefetchDepth:     depth,
		MaxPrefetchedDirs:    cfg.Cache.MaxPrefetchedDirs,
		StatusSampleInterval: cfg.Cache.StatusSampleInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootNode, _, err := adapter.LoadDirectory(ctx, "")
	if err != nil {
		fatal("load root %q: %v", rootPath, err)
	}
	scheduler.SeedTree(rootNode)
	<-ctx.Done()
	scheduler.Dispose()
}

func handleClear(configPath string) {
	_, controller, cleanup := mustSetup(configPath)
	defer cleanup()

	if err := controller.ClearCache(context.Background()); err != nil {
		fatal("clear cache: %v", err)
	}
	fmt.Println("cache cleared")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
