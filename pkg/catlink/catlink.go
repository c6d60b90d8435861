// Package catlink provides a public facade re-exporting core types
// for external consumers of this module, plus a constructor that wires the
// transport, session, device and polling layers together.
package catlink

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/coordinator"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/devices"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Snapshot is the aggregated state of every device for one poll cycle.
	Snapshot = state.Snapshot
	// Device is a family-independent view of one device.
	Device = state.Device
	// Feeder is a feeder record.
	Feeder = state.Feeder
	// LitterBox is a self-cleaning litter box record.
	LitterBox = state.LitterBox
	// WaterFountain is a water fountain record.
	WaterFountain = state.WaterFountain
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Command is a ready-to-send device control request.
	Command = devices.Command
	// Args carries command arguments.
	Args = devices.Args
	// Ref is one device directory entry.
	Ref = devices.Ref
	// Status summarizes the polling coordinator.
	Status = coordinator.Status
	// Session is a persisted login token.
	Session = auth.Session
	// CredentialStore persists sessions across restarts.
	CredentialStore = auth.Store
)

// Event type constants.
const (
	EventSnapshot      = state.EventSnapshot
	EventPatch         = state.EventPatch
	EventAuthFailed    = state.EventAuthFailed
	EventRefreshFailed = state.EventRefreshFailed
)

// Errors callers can match with errors.Is.
var (
	ErrAuth            = auth.ErrAuth
	ErrLoginFailed     = auth.ErrLoginFailed
	ErrNoDevices       = devices.ErrNoDevices
	ErrUnknownCommand  = devices.ErrUnknownCommand
	ErrInvalidArgument = devices.ErrInvalidArgument
	ErrCommandRejected = coordinator.ErrCommandRejected
	ErrUnknownDevice   = coordinator.ErrUnknownDevice
)

// Options configures New. Zero values fall back to the package defaults.
type Options struct {
	APIBase         string
	Phone           string
	Password        string
	CountryCode     string
	Language        string
	RequestTimeout  time.Duration
	PollingInterval time.Duration
	RefreshDelay    time.Duration
	Concurrency     int
	HTTPClient      *http.Client
	// Store defaults to an in-memory store.
	Store CredentialStore
	// OnAuthFailure is called when the server rejects the credentials.
	OnAuthFailure func(error)
}

// Client is a fully wired Catlink account.
type Client struct {
	Transport   *transport.Client
	Auth        *auth.Manager
	Devices     *devices.Client
	Bus         *state.EventBus
	Store       *state.Store
	Coordinator *coordinator.Coordinator
}

// New wires a Client. Nothing touches the network until the coordinator
// starts or a method is called.
func New(opts Options, log *slog.Logger) *Client {
	var topts []transport.Option
	if opts.APIBase != "" {
		topts = append(topts, transport.WithBaseURL(opts.APIBase))
	}
	if opts.Language != "" {
		topts = append(topts, transport.WithLanguage(opts.Language))
	}
	if opts.HTTPClient != nil {
		topts = append(topts, transport.WithHTTPClient(opts.HTTPClient))
	}
	if opts.RequestTimeout > 0 {
		topts = append(topts, transport.WithTimeout(opts.RequestTimeout))
	}
	tc := transport.NewClient(log.With("component", "transport"), topts...)

	store := opts.Store
	if store == nil {
		store = auth.NewMemoryStore()
	}
	mgr := auth.NewManager(tc, store, auth.Credentials{
		Phone:       opts.Phone,
		Password:    opts.Password,
		CountryCode: opts.CountryCode,
	}, log.With("component", "auth"))

	dc := devices.NewClient(mgr, log.With("component", "devices"), devices.WithConcurrency(opts.Concurrency))

	bus := state.NewEventBus(log.With("component", "bus"))
	st := state.NewStore(bus, log.With("component", "store"))

	copts := []coordinator.Option{
		coordinator.WithInterval(opts.PollingInterval),
	}
	if opts.RefreshDelay > 0 {
		copts = append(copts, coordinator.WithRefreshDelay(opts.RefreshDelay))
	}
	if opts.OnAuthFailure != nil {
		copts = append(copts, coordinator.WithAuthFailureHandler(opts.OnAuthFailure))
	}
	coord := coordinator.New(mgr, dc, st, bus, log.With("component", "coordinator"), copts...)

	return &Client{
		Transport:   tc,
		Auth:        mgr,
		Devices:     dc,
		Bus:         bus,
		Store:       st,
		Coordinator: coord,
	}
}

// Validate logs in afresh and checks that the account has devices.
func (c *Client) Validate(ctx context.Context) ([]Ref, error) {
	return c.Devices.Validate(ctx, c.Auth)
}

// Snapshot runs one poll cycle and returns the published snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := c.Coordinator.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.Coordinator.Snapshot(), nil
}

// Execute runs a named command against a device in the current snapshot.
func (c *Client) Execute(ctx context.Context, deviceID int64, name string, args Args) (Command, error) {
	return c.Coordinator.ExecuteNamed(ctx, deviceID, name, args)
}
