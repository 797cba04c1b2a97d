package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/config"
	"github.com/gallerydl/gdlsync/internal/engine"
	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/notify"
	"github.com/gallerydl/gdlsync/internal/poll"
	"github.com/gallerydl/gdlsync/internal/push"
	"github.com/gallerydl/gdlsync/internal/remote"
	"github.com/gallerydl/gdlsync/internal/state"
)

// runtime is the set of components shared by the commands. Live runtimes
// also follow the service through the push and poll channels.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *state.DB
	settings *config.Settings
	client   *remote.Client
	ledger   *push.Ledger
	engine   *engine.Engine
	channel  *push.Channel
	poller   *poll.Poller

	wg sync.WaitGroup
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, live bool) (*runtime, error) {
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open state", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, db: db}

	rt.settings, err = config.NewSettings(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "load settings", err)
	}
	rt.client = remote.NewClient(rt.settings)

	rt.ledger = push.NewLedger(push.DefaultLedgerSize, db)
	if err := rt.ledger.Load(ctx); err != nil {
		logger.Warn("alert ledger not loaded", "error", err)
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "notify webhook", err)
	}

	store := job.NewStore(
		job.WithTerminalMisses(cfg.TerminalMisses),
		job.WithRecency(cfg.Recency),
	)
	opts := []engine.Option{
		engine.WithRemote(rt.client),
		engine.WithNotifier(notifier),
		engine.WithAlertLedger(rt.ledger),
		engine.WithLogger(logger),
	}

	if live {
		var poller *poll.Poller
		opts = append(opts, engine.WithRefresh(func(eventType string) { poller.Request(eventType) }))
		rt.engine = engine.New(store, binding.NewRegistry(), opts...)
		poller = poll.New(rt.client, rt.engine, poll.WithInterval(cfg.PollInterval), poll.WithLogger(logger))
		rt.poller = poller
		rt.channel = push.New(push.WSDialer{}, rt.settings, rt.engine.HandleEvent,
			push.WithLedger(rt.ledger),
			push.WithNotifier(notifier),
			push.WithLogger(logger),
			push.WithStateHook(func(s push.State) {
				logger.Debug("push state", "state", s.String())
			}),
		)
	} else {
		rt.engine = engine.New(store, binding.NewRegistry(), opts...)
	}
	return rt, nil
}

func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	n := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.NotifyWebhook != "" {
		wh, err := notify.NewWebhookNotifier(ctx, cfg.NotifyWebhook)
		if err != nil {
			return nil, err
		}
		n = append(n, wh)
	}
	return n, nil
}

// start runs the engine loop and, for live runtimes, restores the cached
// records and starts the push, poll and persistence goroutines.
func (rt *runtime) start(ctx context.Context) error {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.engine.Run(ctx)
	}()
	if rt.channel == nil {
		return nil
	}

	recs, err := rt.db.LoadRecords(ctx)
	if err != nil {
		rt.logger.Warn("cached jobs not loaded", "error", err)
	} else if err := rt.engine.Restore(ctx, recs); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	rt.logger.Info("runtime started", "cached_jobs", len(recs), "api_base", rt.settings.Base())

	updates := rt.engine.Subscribe()
	rt.wg.Add(3)
	go func() {
		defer rt.wg.Done()
		rt.channel.Run(ctx)
	}()
	go func() {
		defer rt.wg.Done()
		rt.poller.Run(ctx)
	}()
	go func() {
		defer rt.wg.Done()
		rt.persist(ctx, updates)
	}()
	return nil
}

// persist writes the store contents to the cache after each burst of
// updates. Updates that arrive while a write is running are coalesced.
func (rt *runtime) persist(ctx context.Context, updates chan engine.Update) {
	defer rt.engine.Unsubscribe(updates)
	for {
		var latest engine.Update
		select {
		case <-ctx.Done():
			return
		case latest = <-updates:
		}
	drain:
		for {
			select {
			case u := <-updates:
				latest = u
			default:
				break drain
			}
		}
		if err := rt.db.SaveRecords(context.WithoutCancel(ctx), latest.Jobs); err != nil {
			rt.logger.Warn("persist jobs", "error", err)
		}
	}
}

// wait blocks until every started goroutine has returned.
func (rt *runtime) wait() { rt.wg.Wait() }

func (rt *runtime) close() {
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("close state", "error", err)
	}
}

// serviceError classifies a failed service operation. Unsupported
// locators are usage errors; everything else is a service failure.
func serviceError(action string, err error) error {
	if errors.Is(err, engine.ErrUnsupported) {
		return WrapExitError(ExitCommandError, action, err)
	}
	return WrapExitError(ExitFailure, action, err)
}
