package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/api"
	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/cache"
	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/config"
	"github.com/kalambet/crate/internal/features"
	"github.com/kalambet/crate/internal/ingest"
	"github.com/kalambet/crate/internal/library"
	"github.com/kalambet/crate/internal/logging"
	"github.com/kalambet/crate/internal/ollama"
	"github.com/kalambet/crate/internal/query"
	"github.com/kalambet/crate/internal/similarity"
	"github.com/kalambet/crate/internal/storage"
	"github.com/kalambet/crate/internal/watch"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the crate server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running crate server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crate system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "crate.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "crate version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.Storage.DataDir, "logs", "crate.log")
	}
	logger, flush, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    true,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer flush()

	apiToken, err := config.GetAPIToken(cfg, config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice: a live /health means another server owns the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("crate is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("crate is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir, storage.WithLogger(logger.Named("storage")))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	queryCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer queryCache.Close()

	organizer, err := newOrganizer(ctx, cfg)
	if err != nil {
		return err
	}

	featureCfg := features.DefaultConfig()
	featureCfg.MaxDuration = config.Duration(cfg.Analysis.MaxDuration, featureCfg.MaxDuration)
	extractor := features.NewExtractor(featureCfg)
	lexical := classify.NewDefaultLexical()
	acoustic := classify.NewAcousticStrategy(classify.AcousticOptions{
		Decoder: audio.NewDecoder(audio.Options{
			MaxDuration: featureCfg.MaxDuration,
			FFmpegPath:  cfg.Analysis.FFmpegPath,
			Logger:      logger.Named("audio"),
		}),
		Extractor: extractor,
		Lexical:   lexical,
		Policy:    classify.ParseFallbackPolicy(cfg.Analysis.FallbackPolicy),
		Logger:    logger.Named("classify"),
	})

	orchestrator := batch.New(batch.Options{
		Store:     store,
		Lexical:   classify.NewLexicalStrategy(lexical),
		Acoustic:  acoustic,
		Organizer: organizer,
		Limits: batch.Limits{
			QuickBatchSize:  cfg.Analysis.QuickBatchSize,
			QuickMaxWorkers: cfg.Analysis.QuickWorkers,
			DeepBatchSize:   cfg.Analysis.DeepBatchSize,
			DeepMaxWorkers:  cfg.Analysis.DeepWorkers,
		},
		Logger: logger.Named("batch"),
	})
	runs := batch.NewManager(ctx, orchestrator, logger.Named("runs"))

	policy, err := similarity.ParsePolicy(cfg.Similarity.Normalization)
	if err != nil {
		return err
	}
	engine := similarity.New(store, similarity.Options{
		Policy:        policy,
		MaxCandidates: cfg.Similarity.MaxCandidates,
		Fingerprint:   featureCfg.Fingerprint(),
		Logger:        logger.Named("similarity"),
	})

	matcher := query.New(store, query.Options{
		Ranker:   newRanker(ctx, cfg, logger),
		Cache:    queryCache,
		CacheTTL: config.Duration(cfg.Query.CacheTTL, 10*time.Minute),
		Logger:   logger.Named("query"),
	})

	worker := ingest.NewWorker(store, orchestrator, 500*time.Millisecond, logger.Named("ingest"))
	go worker.Run(ctx)

	watches := newFolderWatcher(ctx, store, config.Duration(cfg.Watch.Debounce, watch.DefaultDebounce), logger.Named("watch"))
	if cfg.Watch.Dir != "" {
		if err := watches.Watch(cfg.Watch.Dir, cfg.Watch.UseDeep); err != nil {
			logger.Warn("could not watch configured folder", zap.String("dir", cfg.Watch.Dir), zap.Error(err))
		}
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:   store,
		Runs:    runs,
		Similar: engine,
		Search:  matcher,
		Watcher: watches,
		Token:   apiToken,
		Logger:  logger.Named("api"),
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:   store,
		Similar: engine,
		Search:  matcher,
	})
	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", zap.Error(err))
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	srv := &http.Server{Addr: addr, Handler: appHandler}
	mcpHTTP := &http.Server{Addr: mcpAddr, Handler: server.NewStreamableHTTPServer(mcpSrv)}

	errCh := make(chan error, 2)
	serve := func(s *http.Server, name string) {
		logger.Info(name+" listening", zap.String("addr", s.Addr))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}
	go serve(srv, "api")
	go serve(mcpHTTP, "mcp")
	fmt.Fprintf(os.Stderr, "crate listening on %s (MCP on %s)\n", addr, mcpAddr)

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		stop()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mcpHTTP.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func openCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	badgerDir := cfg.Cache.BadgerDir
	if badgerDir == "" {
		badgerDir = filepath.Join(cfg.Storage.DataDir, "cache")
	}
	c, err := cache.Open(ctx, cache.Config{
		Backend:       cfg.Cache.Backend,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
		BadgerDir:     badgerDir,
		Prefix:        "crate:",
	})
	if err != nil {
		return nil, fmt.Errorf("opening query cache: %w", err)
	}
	return c, nil
}

// newOrganizer returns nil when no library root or bucket is configured, so
// classified files stay where they are.
func newOrganizer(ctx context.Context, cfg config.Config) (batch.Organizer, error) {
	mode, err := library.ParseMode(cfg.Library.Mode)
	if err != nil {
		return nil, err
	}
	if mode == library.ModeNone {
		return nil, nil
	}
	switch cfg.Library.Target {
	case "s3":
		o, err := library.NewMinio(ctx, library.MinioConfig{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
			Prefix:    cfg.ObjectStore.Prefix,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to object store: %w", err)
		}
		return o, nil
	case "", "local":
		if cfg.Library.Root == "" {
			return nil, nil
		}
		return library.NewLocal(cfg.Library.Root, mode), nil
	}
	return nil, fmt.Errorf("unknown library target %q", cfg.Library.Target)
}

// newRanker returns the Ollama ranker when enabled and the model is
// available, and nil otherwise.
func newRanker(ctx context.Context, cfg config.Config, logger *zap.Logger) query.Ranker {
	if !cfg.Query.LLMRanking {
		return nil
	}
	client := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureModel(ctx, client, cfg.Ollama.Model, os.Stderr); err != nil {
		logger.Warn("LLM ranking disabled", zap.Error(err))
		return nil
	}
	return query.NewLLMRanker(client, cfg.Ollama.Model,
		config.Duration(cfg.Query.RankTimeout, 3*time.Second),
		cfg.Query.RankThreshold, logger.Named("ranker"))
}

// folderWatcher runs one watch.Watcher per directory, each feeding its own
// session through the job queue.
type folderWatcher struct {
	ctx      context.Context
	store    *storage.Store
	debounce time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	dirs map[string]struct{}
}

func newFolderWatcher(ctx context.Context, store *storage.Store, debounce time.Duration, logger *zap.Logger) *folderWatcher {
	return &folderWatcher{ctx: ctx, store: store, debounce: debounce, logger: logger, dirs: make(map[string]struct{})}
}

func (f *folderWatcher) Watch(dir string, useDeep bool) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return fmt.Errorf("%s is not a readable directory", dir)
	}

	f.mu.Lock()
	if _, ok := f.dirs[abs]; ok {
		f.mu.Unlock()
		return nil
	}
	f.dirs[abs] = struct{}{}
	f.mu.Unlock()

	sess, err := f.store.CreateSession(f.ctx, "watch: "+abs)
	if err != nil {
		f.forget(abs)
		return err
	}
	w := watch.New(abs, f.store, watch.Options{
		Debounce:  f.debounce,
		UseDeep:   useDeep,
		SessionID: sess.ID,
		Logger:    f.logger,
	})
	go func() {
		defer f.forget(abs)
		if err := w.Run(f.ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("watcher stopped", zap.String("dir", abs), zap.Error(err))
		}
	}()
	return nil
}

func (f *folderWatcher) forget(dir string) {
	f.mu.Lock()
	delete(f.dirs, dir)
	f.mu.Unlock()
}

func (f *folderWatcher) Dirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.dirs))
	for d := range f.dirs {
		out = append(out, d)
	}
	return out
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("crate is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop crate (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to crate (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d (MCP on %d)", cfg.Server.Port, cfg.Server.MCPPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Query.LLMRanking {
		oc := ollama.New(cfg.Ollama.BaseURL)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if oc.IsRunning(ctx) {
			printStatus("Ollama", "running at %s (model %s)", cfg.Ollama.BaseURL, cfg.Ollama.Model)
		} else {
			printStatus("Ollama", "not running; search falls back to keyword ranking")
		}
	}

	token := config.ReadAPIToken(cfg, config.NewKeychain())
	if running && token != "" {
		c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
		ctx := context.Background()
		var samples []storage.Sample
		if c.getJSON(ctx, "/samples", &samples) == nil {
			printStatus("Samples", "%d", len(samples))
		}
		var sessions []storage.Session
		if c.getJSON(ctx, "/sessions", &sessions) == nil {
			printStatus("Sessions", "%d", len(sessions))
		}
		var watching map[string][]string
		if c.getJSON(ctx, "/watch", &watching) == nil && len(watching["dirs"]) > 0 {
			printStatus("Watching", "%s", strings.Join(watching["dirs"], ", "))
		}
	}

	printStatus("Analysis", "fallback %s, normalization %s", cfg.Analysis.FallbackPolicy, cfg.Similarity.Normalization)
	printStatus("Cache", "%s", cfg.Cache.Backend)
	if cfg.Library.Target == "s3" {
		printStatus("Library", "s3://%s/%s (%s)", cfg.ObjectStore.Bucket, cfg.ObjectStore.Prefix, cfg.Library.Mode)
	} else if cfg.Library.Root != "" {
		printStatus("Library", "%s (%s)", cfg.Library.Root, cfg.Library.Mode)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
