package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/tutordesk/internal/breaker"
	"github.com/iudanet/tutordesk/internal/bridge"
	"github.com/iudanet/tutordesk/internal/conflict"
	"github.com/iudanet/tutordesk/internal/crypto"
	"github.com/iudanet/tutordesk/internal/guard"
	"github.com/iudanet/tutordesk/internal/iocli"
	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/remote"
	"github.com/iudanet/tutordesk/internal/storage"
	"github.com/iudanet/tutordesk/internal/storage/boltdb"
	"github.com/iudanet/tutordesk/internal/storage/sqlite"
	syncengine "github.com/iudanet/tutordesk/internal/sync"
	"github.com/iudanet/tutordesk/internal/version"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Backend API URL")
	dbPath := flag.String("db", "tutordesk-host.db", "Path to local state database")
	historyPath := flag.String("history-db", "tutordesk-history.db", "Path to history database")
	strategy := flag.String("strategy", "manual", "Conflict resolution strategy (manual|auto-local|auto-remote|merge)")
	retryInterval := flag.Duration("retry-interval", syncengine.DefaultRetryInterval, "Base delay between flush retries")
	maxRetries := flag.Int("max-retries", syncengine.DefaultMaxRetries, "Flush retries before terminal failure")
	noEncrypt := flag.Bool("no-encrypt", false, "Disable at-rest encryption of queued payloads")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	host, err := newHost(ctx, hostConfig{
		serverURL:     *serverURL,
		dbPath:        *dbPath,
		historyPath:   *historyPath,
		strategy:      conflict.Strategy(*strategy),
		retryInterval: *retryInterval,
		maxRetries:    *maxRetries,
		noEncrypt:     *noEncrypt,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start host: %v\n", err)
		os.Exit(1)
	}
	defer host.Close()

	if err := host.runCommand(ctx, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// hostConfig параметры сборки хоста из флагов.
type hostConfig struct {
	serverURL     string
	dbPath        string
	historyPath   string
	strategy      conflict.Strategy
	retryInterval time.Duration
	maxRetries    int
	noEncrypt     bool
}

// host собранный привилегированный хост-процесс.
type host struct {
	bolt     *boltdb.Storage
	history  *sqlite.Storage
	engine   syncengine.Engine
	resolver *conflict.Resolver
	tracker  *version.Tracker
	bridge   *bridge.Bridge
	io       iocli.IO
	logger   *slog.Logger
}

// newHost открывает хранилища и собирает все подсистемы ядра.
func newHost(ctx context.Context, cfg hostConfig, logger *slog.Logger) (*host, error) {
	bolt, err := boltdb.New(ctx, cfg.dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	history, err := sqlite.New(ctx, cfg.historyPath)
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := ensureNodeID(ctx, bolt); err != nil {
		bolt.Close()
		history.Close()
		return nil, err
	}

	termIO := iocli.NewStdio()

	var queue storage.QueueStorage = bolt
	if !cfg.noEncrypt {
		key, err := atRestKey(ctx, bolt, termIO)
		if err != nil {
			bolt.Close()
			history.Close()
			return nil, err
		}
		queue = storage.NewEncryptedQueue(bolt, key)
	}

	tracker, err := version.NewTracker(ctx, bolt)
	if err != nil {
		bolt.Close()
		history.Close()
		return nil, fmt.Errorf("failed to load version tracker: %w", err)
	}

	resolver, err := conflict.NewResolver(ctx, conflict.Config{Strategy: cfg.strategy}, bolt, queue, tracker, history, logger)
	if err != nil {
		bolt.Close()
		history.Close()
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	brk := breaker.New(breaker.Config{}, logger)
	caller := remote.NewClient(cfg.serverURL)

	engine := syncengine.NewEngine(
		syncengine.Config{
			RetryInterval:   cfg.retryInterval,
			MaxRetries:      cfg.maxRetries,
			VersionTracking: true,
		},
		queue, tracker, resolver, brk, caller, history, bolt, logger,
	)

	secret, err := bridge.NewTokenSecret()
	if err != nil {
		bolt.Close()
		history.Close()
		return nil, fmt.Errorf("failed to generate bridge secret: %w", err)
	}

	limiter := guard.NewRateLimiter(map[string]guard.Limit{
		"sync.enqueue":     {Max: 120, Window: time.Minute},
		"sync.flush":       {Max: 10, Window: time.Minute},
		"conflict.resolve": {Max: 30, Window: time.Minute},
	}, logger)
	validator := guard.NewValidator(guard.DefaultMaxPayload, logger)
	g := guard.New(limiter, validator, logger)

	b := bridge.New(g, bridge.TokenConfig{Secret: secret, TTL: bridge.DefaultTokenTTL}, logger)
	registerChannels(b, engine, resolver)

	return &host{
		bolt:     bolt,
		history:  history,
		engine:   engine,
		resolver: resolver,
		tracker:  tracker,
		bridge:   b,
		io:       termIO,
		logger:   logger,
	}, nil
}

// Close закрывает движок и хранилища.
func (h *host) Close() {
	h.engine.Stop()
	if err := h.bolt.Close(); err != nil {
		h.logger.Error("failed to close state database", "error", err)
	}
	if err := h.history.Close(); err != nil {
		h.logger.Error("failed to close history database", "error", err)
	}
}

// runCommand выполняет подкоманду CLI.
func (h *host) runCommand(ctx context.Context, command string, args []string) error {
	switch command {
	case "run":
		return h.runHost(ctx)
	case "status":
		return h.runStatus(ctx)
	case "flush":
		return h.engine.Flush(ctx)
	case "conflicts":
		return h.runConflicts(ctx)
	case "resolve":
		return h.runResolve(ctx, args)
	case "reset":
		return h.engine.Reset(ctx)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runHost запускает движок и держит процесс до сигнала остановки.
// Сессионный токен моста печатается в stdout: породивший процесс
// UI-оболочки читает его при рукопожатии.
func (h *host) runHost(ctx context.Context) error {
	token, err := h.bridge.IssueToken("ui-main")
	if err != nil {
		return fmt.Errorf("failed to issue session token: %w", err)
	}
	h.io.Printf("SESSION_TOKEN=%s\n", token)

	h.engine.Start(ctx)
	h.logger.Info("host core started", "pid", os.Getpid())

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC

	h.logger.Info("host core stopping")
	return nil
}

func (h *host) runStatus(ctx context.Context) error {
	pending, err := h.engine.PendingCount(ctx)
	if err != nil {
		return err
	}
	stats := h.resolver.Stats()
	lastFlush, err := h.bolt.GetLastFlushAt(ctx)
	if err != nil {
		return err
	}

	h.io.Printf("State:             %s\n", h.engine.State())
	h.io.Printf("Pending entries:   %d\n", pending)
	h.io.Printf("Tracked entities:  %d\n", len(h.tracker.Snapshot()))
	h.io.Printf("Conflicts:         %d pending, %d resolved (%d auto)\n",
		stats.Pending, stats.Resolved, stats.AutoResolved)
	if lastFlush > 0 {
		h.io.Printf("Last flush:        %s\n", time.Unix(lastFlush, 0).Format(time.RFC3339))
	} else {
		h.io.Printf("Last flush:        never\n")
	}
	if err := h.engine.LastError(); err != nil {
		h.io.Printf("Last error:        %v\n", err)
	}

	// Сводка из журнала истории за последние сутки
	since := time.Now().Add(-24 * time.Hour)
	attempts, err := h.history.SyncAttemptsSince(ctx, since)
	if err != nil {
		return err
	}
	if len(attempts) > 0 {
		last := attempts[0]
		h.io.Printf("Last attempt:      %s (%d delivered, %d remaining)\n",
			last.Outcome, last.Delivered, last.Remaining)
	}
	resolutions, err := h.history.ResolutionsSince(ctx, since)
	if err != nil {
		return err
	}
	h.io.Printf("Resolutions (24h): %d\n", len(resolutions))
	return nil
}

func (h *host) runConflicts(ctx context.Context) error {
	conflicts, err := h.resolver.Pending(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		h.io.Println("No pending conflicts")
		return nil
	}
	for _, c := range conflicts {
		h.io.Printf("%s  %-24s local=v%d remote=v%d detected=%s\n",
			c.ID, c.Key.String(), c.LocalVersion, c.RemoteVersion,
			c.DetectedAt.Format(time.RFC3339))
	}
	return nil
}

func (h *host) runResolve(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: resolve <conflict-id> <local|remote|merge>")
	}

	c, err := h.resolver.Resolve(ctx, args[0], models.Resolution(args[1]))
	if err != nil {
		return err
	}

	h.io.Printf("Conflict %s resolved as %s\n", c.ID, c.Resolution)
	// Переотправляем победившие данные
	return h.engine.Flush(ctx)
}

// registerChannels регистрирует привилегированные каналы моста с их
// allow-list схемами.
func registerChannels(b *bridge.Bridge, engine syncengine.Engine, resolver *conflict.Resolver) {
	b.Register("sync.enqueue", guard.Schema{
		"entityType": {Kind: guard.KindString, Required: true, MaxLen: 64},
		"entityId":   {Kind: guard.KindString, Required: true, MaxLen: 128},
		"op":         {Kind: guard.KindString, Required: true, MaxLen: 16},
		"payload":    {Kind: guard.KindObject},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		key := models.EntityKey{
			Type: args["entityType"].(string),
			ID:   args["entityId"].(string),
		}
		payload, err := json.Marshal(guard.Sanitize(args["payload"]))
		if err != nil {
			return nil, err
		}
		entry, err := engine.Enqueue(ctx, key, models.Operation(args["op"].(string)), payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entryId": entry.ID, "version": entry.Version}, nil
	})

	b.Register("sync.flush", guard.Schema{}, func(ctx context.Context, args map[string]any) (any, error) {
		if err := engine.Flush(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"state": string(engine.State())}, nil
	})

	b.Register("sync.status", guard.Schema{}, func(ctx context.Context, args map[string]any) (any, error) {
		pending, err := engine.PendingCount(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"state":     string(engine.State()),
			"pending":   pending,
			"conflicts": resolver.Stats(),
		}, nil
	})

	b.Register("conflict.list", guard.Schema{}, func(ctx context.Context, args map[string]any) (any, error) {
		return resolver.Pending(ctx)
	})

	b.Register("conflict.resolve", guard.Schema{
		"conflictId": {Kind: guard.KindString, Required: true, MaxLen: 64},
		"resolution": {Kind: guard.KindString, Required: true, MaxLen: 16},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return resolver.Resolve(ctx, args["conflictId"].(string), models.Resolution(args["resolution"].(string)))
	})
}

// ensureNodeID создает уникальный ID установки при первом запуске.
func ensureNodeID(ctx context.Context, meta storage.MetadataStorage) error {
	nodeID, err := meta.GetNodeID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read node id: %w", err)
	}
	if nodeID != "" {
		return nil
	}
	if err := meta.SaveNodeID(ctx, uuid.New().String()); err != nil {
		return fmt.Errorf("failed to save node id: %w", err)
	}
	return nil
}

// atRestKey выводит ключ шифрования очереди из парольной фразы.
// Соль создается при первом запуске и хранится в метаданных.
func atRestKey(ctx context.Context, meta storage.MetadataStorage, cli iocli.IO) ([]byte, error) {
	salt, err := meta.GetQueueSalt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue salt: %w", err)
	}
	if salt == nil {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
		if err := meta.SaveQueueSalt(ctx, salt); err != nil {
			return nil, fmt.Errorf("failed to save queue salt: %w", err)
		}
	}

	passphrase, err := cli.ReadPassword("Passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}

	return crypto.DeriveKey(passphrase, salt)
}

func printUsage() {
	fmt.Println("TutorDesk host core")
	fmt.Println()
	fmt.Println("Usage: hostd [flags] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run        Start the host core and sync engine")
	fmt.Println("  status     Show queue and conflict status")
	fmt.Println("  flush      Deliver the offline queue now")
	fmt.Println("  conflicts  List pending conflicts")
	fmt.Println("  resolve    Resolve a conflict: resolve <id> <local|remote|merge>")
	fmt.Println("  reset      Drop the queue and all version counters")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func printVersion() {
	fmt.Printf("TutorDesk Host\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
