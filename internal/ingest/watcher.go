package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher debounces filesystem change events under a project's
// session-file directory and triggers an Ingestor.CatchUp pass. A
// periodic heartbeat also triggers extraction once a startup grace
// period has elapsed, so the initial catch-up, the watcher, and the
// heartbeat never all fire extraction simultaneously.
type Watcher struct {
	cfg       Config
	ingestor  *Ingestor
	claudeDir string
	log       zerolog.Logger

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	started     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastEventAt time.Time
}

// NewWatcher constructs a Watcher for ingestor, watching claudeDir's
// projects subtree for changes.
func NewWatcher(cfg Config, ingestor *Ingestor, claudeDir string, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{cfg: cfg, ingestor: ingestor, claudeDir: claudeDir, log: log, watcher: fsw}, nil
}

// AddDir registers a directory for the underlying fsnotify watch.
func (w *Watcher) AddDir(dir string) error {
	return w.watcher.Add(dir)
}

// Start begins watching. It is idempotent.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.lastEventAt = time.Now()
	stop := w.stopCh
	w.mu.Unlock()

	startedAt := time.Now()
	go w.run(ctx, stop, startedAt)
}

func (w *Watcher) run(ctx context.Context, stop chan struct{}, startedAt time.Time) {
	defer close(w.doneCh)

	var debounce *time.Timer
	heartbeat := time.NewTicker(w.cfg.WatcherHeartbeat)
	defer heartbeat.Stop()

	staleCheck := time.NewTicker(time.Minute)
	defer staleCheck.Stop()

	trigger := func(reason string) {
		since := time.Now().Sub(startedAt)
		if since < w.cfg.StartupGracePeriod {
			w.log.Debug().Str("reason", reason).Msg("suppressing extraction inside startup grace period")
			return
		}
		stats, err := w.ingestor.CatchUp(ctx)
		if err != nil {
			w.log.Error().Err(err).Str("reason", reason).Msg("incremental extraction failed")
			return
		}
		w.log.Debug().Str("reason", reason).Int("inserted", stats.Inserted).Msg("extraction triggered")
	}

	for {
		select {
		case <-stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			w.lastEventAt = time.Now()
			w.mu.Unlock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.cfg.WatcherDebounce, func() { trigger("fs_event") })
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("session file watcher error")
		case <-heartbeat.C:
			trigger("heartbeat")
		case <-staleCheck.C:
			w.mu.Lock()
			since := time.Since(w.lastEventAt)
			w.mu.Unlock()
			if since > w.cfg.WatcherStaleWarning {
				w.log.Warn().Dur("since_last_event", since).Msg("no session file events observed recently")
			}
		}
	}
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	stop := w.stopCh
	done := w.doneCh
	w.mu.Unlock()

	if !started {
		return w.watcher.Close()
	}

	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
	return w.watcher.Close()
}
