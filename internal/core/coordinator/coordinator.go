// Package coordinator runs the polling loop that keeps the published
// snapshot fresh, executes device commands with optimistic patches, and
// turns credential failures into a reauthentication signal.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/devices"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

const (
	DefaultInterval     = 120 * time.Second
	DefaultRefreshDelay = 5 * time.Second
)

var (
	// ErrCommandRejected means the server did not acknowledge a command.
	ErrCommandRejected = errors.New("coordinator: command rejected")
	// ErrUnknownDevice means the device is not in the published snapshot.
	ErrUnknownDevice = errors.New("coordinator: unknown device")
	// ErrAlreadyRunning is returned by Start on a running coordinator.
	ErrAlreadyRunning = errors.New("coordinator: already running")
)

// Session is the authenticated side of the API. *auth.Manager implements it.
type Session interface {
	Do(ctx context.Context, path string, params transport.Params, method transport.Method) (transport.Response, error)
	SetPassword(password string)
	Phone() string
	State() auth.State
}

// Source builds a fresh snapshot. *devices.Client implements it.
type Source interface {
	FetchSnapshot(ctx context.Context, uid string, log *slog.Logger) (*state.Snapshot, error)
}

// Phase is the coordinator's cycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseAuthFailed Phase = "auth_failed"
)

// Status summarizes the coordinator for the status endpoints.
type Status struct {
	Phase       Phase     `json:"phase"`
	AuthState   string    `json:"auth_state"`
	AuthFailed  bool      `json:"auth_failed"`
	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	Cycles      uint64    `json:"cycles"`
	Devices     int       `json:"devices"`
	Interval    string    `json:"interval"`
}

// Coordinator owns the poll loop.
type Coordinator struct {
	session       Session
	source        Source
	store         *state.Store
	bus           *state.EventBus
	interval      time.Duration
	refreshDelay  time.Duration
	onAuthFailure func(error)
	now           func() time.Time
	log           *slog.Logger

	cycleMu sync.Mutex

	mu     sync.RWMutex
	status Status

	wakeCh  chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRefreshDelay sets how long after a patched command the reconciling refresh runs.
func WithRefreshDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.refreshDelay = d
		}
	}
}

// WithAuthFailureHandler registers a callback invoked when the server
// rejects the credentials.
func WithAuthFailureHandler(fn func(error)) Option {
	return func(c *Coordinator) {
		c.onAuthFailure = fn
	}
}

// WithClock overrides the clock used in Status.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator.
func New(session Session, source Source, store *state.Store, bus *state.EventBus, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		session:      session,
		source:       source,
		store:        store,
		bus:          bus,
		interval:     DefaultInterval,
		refreshDelay: DefaultRefreshDelay,
		now:          time.Now,
		log:          log,
		wakeCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Phase = PhaseIdle
	return c
}

// Snapshot returns the current view of the published snapshot.
func (c *Coordinator) Snapshot() *state.Snapshot {
	return c.store.Snapshot()
}

// Store returns the snapshot store.
func (c *Coordinator) Store() *state.Store {
	return c.store
}

// Bus returns the event bus for subscribing to events.
func (c *Coordinator) Bus() *state.EventBus {
	return c.bus
}

// Start runs an initial refresh and then polls every interval until Stop
// or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Load() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)

	go c.runLoop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (c *Coordinator) Stop(_ context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.stopped
	c.running.Store(false)
	return nil
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.stopped)

	c.log.Info("coordinator started", "interval", c.interval, "phone", c.session.Phone())
	c.tick(ctx, "startup")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopped")
			return
		case <-ticker.C:
			c.tick(ctx, "interval")
		case <-c.wakeCh:
			c.tick(ctx, "requested")
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, reason string) {
	if c.AuthFailed() {
		c.log.Debug("skipping refresh until reauthenticated", "reason", reason)
		return
	}
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Debug("refresh finished with error", "reason", reason, "error", err)
	}
}

// RequestRefresh asks the loop for an out-of-band refresh. Requests made
// while one is already pending are coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// ScheduleRefresh requests a refresh after delay.
func (c *Coordinator) ScheduleRefresh(delay time.Duration) {
	if delay <= 0 {
		c.RequestRefresh()
		return
	}
	time.AfterFunc(delay, c.RequestRefresh)
}

// Refresh runs one full cycle now. Cycles never overlap: a caller arriving
// during a cycle waits for it and then runs its own.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	log := c.log.With("cycle_id", uuid.NewString())
	mark := c.store.Mark()
	started := c.now()
	c.setPhase(PhaseFetching, started)

	snap, err := c.source.FetchSnapshot(ctx, c.session.Phone(), log)
	if err == nil {
		c.store.Publish(snap, mark)
		c.mu.Lock()
		c.status.Phase = PhaseIdle
		c.status.LastSuccess = c.now()
		c.status.LastError = ""
		c.status.Cycles++
		c.status.Devices = snap.Len()
		c.mu.Unlock()
		log.Info("refresh complete", "devices", snap.Len(), "took", c.now().Sub(started))
		return nil
	}

	if errors.Is(err, auth.ErrAuth) {
		c.authFailed(err, log)
		return err
	}

	c.mu.Lock()
	c.status.Phase = PhaseIdle
	c.status.LastError = err.Error()
	c.status.Cycles++
	c.mu.Unlock()
	if ctx.Err() == nil {
		log.Error("refresh failed, keeping previous snapshot", "error", err)
		c.bus.Publish(state.Event{Type: state.EventRefreshFailed, Data: err.Error()})
	}
	return err
}

func (c *Coordinator) setPhase(p Phase, at time.Time) {
	c.mu.Lock()
	c.status.Phase = p
	c.status.LastAttempt = at
	c.mu.Unlock()
}

func (c *Coordinator) authFailed(err error, log *slog.Logger) {
	c.mu.Lock()
	c.status.Phase = PhaseAuthFailed
	c.status.AuthFailed = true
	c.status.LastError = err.Error()
	c.mu.Unlock()

	log.Error("authentication failed, reauthentication required", "error", err)
	c.bus.Publish(state.Event{Type: state.EventAuthFailed, Data: err.Error()})
	if c.onAuthFailure != nil {
		c.onAuthFailure(err)
	}
}

// AuthFailed reports whether the loop is paused waiting for new credentials.
func (c *Coordinator) AuthFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.AuthFailed
}

// Status returns a copy of the coordinator status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	s := c.status
	c.mu.RUnlock()
	s.AuthState = c.session.State().String()
	s.Interval = c.interval.String()
	return s
}

// Reauthenticate installs a new password, clears the auth failure and
// requests an immediate refresh.
func (c *Coordinator) Reauthenticate(password string) {
	c.session.SetPassword(password)

	c.mu.Lock()
	c.status.AuthFailed = false
	c.status.LastError = ""
	if c.status.Phase == PhaseAuthFailed {
		c.status.Phase = PhaseIdle
	}
	c.mu.Unlock()

	c.log.Info("credentials updated, refreshing", "phone", c.session.Phone())
	c.RequestRefresh()
}

// Execute sends cmd. On acknowledgement the optimistic patch is applied to
// the published view and a reconciling refresh is scheduled; a rejected
// command changes nothing.
func (c *Coordinator) Execute(ctx context.Context, cmd devices.Command) error {
	log := c.log.With("command", cmd.Name, "device_id", cmd.DeviceID)

	resp, err := c.session.Do(ctx, cmd.Path, cmd.Params, transport.MethodPost)
	if err != nil {
		if errors.Is(err, auth.ErrAuth) {
			c.authFailed(err, log)
		}
		return fmt.Errorf("coordinator: %s: %w", cmd.Name, err)
	}
	if !resp.Succeeded() {
		log.Warn("command rejected", "path", cmd.Path, "return_code", resp.ReturnCode(), "msg", resp.Message())
		return fmt.Errorf("%w: %s: return code %d %s", ErrCommandRejected, cmd.Name, resp.ReturnCode(), resp.Message())
	}

	if len(cmd.Patch) > 0 && !c.store.Patch(cmd.DeviceID, cmd.Patch) {
		log.Debug("device not in snapshot, patch skipped")
	}
	if cmd.Immediate {
		c.RequestRefresh()
	} else {
		c.ScheduleRefresh(c.refreshDelay)
	}
	log.Info("command sent")
	return nil
}

// ExecuteNamed resolves a named command against the device's current
// state and executes it.
func (c *Coordinator) ExecuteNamed(ctx context.Context, deviceID int64, name string, args devices.Args) (devices.Command, error) {
	dev, ok := c.store.Device(deviceID)
	if !ok {
		return devices.Command{}, fmt.Errorf("%w: %d", ErrUnknownDevice, deviceID)
	}
	cmd, err := devices.Build(dev, name, args)
	if err != nil {
		return devices.Command{}, err
	}
	return cmd, c.Execute(ctx, cmd)
}
