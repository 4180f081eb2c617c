// Package syncengine keeps a local team-state cache converged with the
// remote store: periodic pulls, debounced single-flight pushes, and an
// fsnotify watcher that turns cache mutations into push requests.
package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyberquest/vaultsync/internal/teamstate"
)

const (
	defaultPullInterval   = 10 * time.Second
	defaultPushDebounce   = 1200 * time.Millisecond
	defaultRequestTimeout = 5 * time.Second
)

// CacheStore is the engine's view of the local mirror.
type CacheStore interface {
	Capture() teamstate.StateRecord
	ApplyRemote(record teamstate.StateRecord)
}

type Options struct {
	Team   string
	Client RemoteClient
	Cache  CacheStore
	// PullInterval is the periodic pull cadence, default 10s.
	PullInterval time.Duration
	// PushDebounce is the quiet window after a mutation before the push
	// fires, default 1.2s.
	PushDebounce time.Duration
	// RequestTimeout bounds each network call, default 5s.
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

type Engine struct {
	team           string
	client         RemoteClient
	cache          CacheStore
	pullInterval   time.Duration
	pushDebounce   time.Duration
	requestTimeout time.Duration
	log            *zap.SugaredLogger

	stopCh chan struct{}
	doneCh chan struct{}
	pullCh chan struct{}

	mu            sync.Mutex
	pushDone      *sync.Cond
	started       bool
	stopped       bool
	debounceTimer *time.Timer
	lastReason    string
	pushing       bool
	hasPending    bool
	pendingReason string
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("syncengine: client is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("syncengine: cache is required")
	}
	team := teamstate.NormalizeTeam(opts.Team)
	if strings.TrimSpace(team) == "" {
		return nil, errors.New("syncengine: team is required")
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = defaultPullInterval
	}
	if opts.PushDebounce <= 0 {
		opts.PushDebounce = defaultPushDebounce
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		team:           team,
		client:         opts.Client,
		cache:          opts.Cache,
		pullInterval:   opts.PullInterval,
		pushDebounce:   opts.PushDebounce,
		requestTimeout: opts.RequestTimeout,
		log:            opts.Logger,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		pullCh:         make(chan struct{}, 1),
	}
	e.pushDone = sync.NewCond(&e.mu)
	return e, nil
}

// Start launches the pull loop: one pull immediately, then one per interval,
// plus any on-demand RequestPull. Safe to call once.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	go e.loop()
}

// Stop tears down the loop and cancels any armed debounce timer. It does not
// push; callers that want a final push call Flush first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.mu.Unlock()
	close(e.stopCh)
	if started {
		<-e.doneCh
	}
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	e.pull()
	ticker := time.NewTicker(e.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pull()
		case <-e.pullCh:
			e.pull()
		}
	}
}

// RequestPull asks the loop for an out-of-band pull. Multiple requests while
// one is queued collapse into a single pull.
func (e *Engine) RequestPull() {
	select {
	case e.pullCh <- struct{}{}:
	default:
	}
}

// NotifyMutation arms the push debounce timer, or extends it when already
// armed. The most recent reason wins.
func (e *Engine) NotifyMutation(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.lastReason = reason
	if e.debounceTimer != nil {
		e.debounceTimer.Reset(e.pushDebounce)
		return
	}
	e.debounceTimer = time.AfterFunc(e.pushDebounce, func() {
		e.mu.Lock()
		e.debounceTimer = nil
		reason := e.lastReason
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return
		}
		e.push(reason)
	})
}

// Flush cancels any pending debounce and pushes now, in the caller's
// goroutine. It blocks until its own push has completed even when another
// push is in flight, so a shutdown flush is never dropped. Used on shutdown
// and page-hide style events.
func (e *Engine) Flush(reason string) {
	e.mu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	for e.pushing {
		e.pushDone.Wait()
	}
	e.pushing = true
	// The flush captures current state, which covers whatever the pending
	// slot was waiting to send.
	e.hasPending = false
	e.pendingReason = ""
	e.mu.Unlock()

	e.doPush(reason)
	e.finishPush()
}

func (e *Engine) pull() {
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	record, err := e.client.FetchState(ctx, e.team)
	cancel()
	if err != nil {
		// Dropped on purpose: the next tick retries.
		e.log.Warnw("pull failed", "team", e.team, "error", err)
		return
	}
	e.cache.ApplyRemote(record)
}

// push captures the local record and sends it. At most one push is in flight;
// a request arriving while busy lands in the single pending slot and is
// re-queued in a fresh goroutine when the in-flight push completes.
func (e *Engine) push(reason string) {
	e.mu.Lock()
	if e.pushing {
		e.hasPending = true
		e.pendingReason = reason
		e.mu.Unlock()
		return
	}
	e.pushing = true
	e.mu.Unlock()

	e.doPush(reason)
	e.finishPush()
}

func (e *Engine) doPush(reason string) {
	record := e.cache.Capture()
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	err := e.client.PushState(ctx, record)
	cancel()
	if err != nil {
		e.log.Warnw("push failed", "team", e.team, "reason", reason, "error", err)
	} else {
		e.log.Debugw("pushed team state", "team", e.team, "reason", reason)
	}
}

func (e *Engine) finishPush() {
	e.mu.Lock()
	e.pushing = false
	e.pushDone.Broadcast()
	if e.hasPending && !e.stopped {
		next := e.pendingReason
		e.hasPending = false
		e.pendingReason = ""
		e.mu.Unlock()
		go e.push(next)
		return
	}
	e.hasPending = false
	e.pendingReason = ""
	e.mu.Unlock()
}
