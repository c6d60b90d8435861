// Package devices fetches the Catlink device directory for an account and
// aggregates per-device detail, event log, Wi-Fi and cat statistics into a
// state.Snapshot. It also builds the command requests the bridges send.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

// DefaultConcurrency bounds how many devices are aggregated at once.
const DefaultConcurrency = 4

// Cat statistics page requested for water fountains.
const (
	catStatsPage     = 1
	catStatsPageSize = 3
)

// Requester sends authenticated requests. *auth.Manager implements it.
type Requester interface {
	Do(ctx context.Context, path string, params transport.Params, method transport.Method) (transport.Response, error)
}

// LoginRequester can also force a fresh login.
type LoginRequester interface {
	Requester
	Login(ctx context.Context) (bool, error)
}

// Ref is one raw directory entry.
type Ref struct {
	ID    int64          `json:"id"`
	Type  Type           `json:"deviceType"`
	Attrs map[string]any `json:"attrs"`
}

// Client reads device data through an authenticated Requester.
type Client struct {
	req         Requester
	ep          Endpoints
	concurrency int
	now         func() time.Time
	log         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoints replaces the endpoint table.
func WithEndpoints(ep Endpoints) Option {
	return func(c *Client) {
		c.ep = ep.clone()
	}
}

// WithConcurrency sets how many devices are fetched in parallel.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a device client.
func NewClient(req Requester, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		req:         req,
		ep:          DefaultEndpoints(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoints returns a copy of the client's endpoint table.
func (c *Client) Endpoints() Endpoints {
	return c.ep.clone()
}

// Merge combines owned and shared entries keyed by id. An owned entry is
// never replaced by a shared one. Order is owned first, then shared.
func Merge(owned, shared []Ref) []Ref {
	seen := make(map[int64]struct{}, len(owned)+len(shared))
	out := make([]Ref, 0, len(owned)+len(shared))
	for _, list := range [][]Ref{owned, shared} {
		for _, r := range list {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// FetchDirectory returns the merged owned + shared directory. An empty
// directory is logged but is not an error here.
func (c *Client) FetchDirectory(ctx context.Context) ([]Ref, error) {
	owned, err := c.fetchList(ctx, c.ep.OwnedList)
	if err != nil {
		return nil, fmt.Errorf("devices: owned list: %w", err)
	}
	shared, err := c.fetchList(ctx, c.ep.SharedList)
	if err != nil {
		return nil, fmt.Errorf("devices: shared list: %w", err)
	}

	refs := Merge(owned, shared)
	if len(refs) == 0 {
		c.log.Warn("no devices returned for account", "owned", len(owned), "shared", len(shared))
	}
	return refs, nil
}

func (c *Client) fetchList(ctx context.Context, path string) ([]Ref, error) {
	resp, err := c.req.Do(ctx, path, transport.Params{"type": "NONE"}, transport.MethodGet)
	if err != nil {
		return nil, err
	}
	raw, _ := resp.Lookup("data", "devices")
	list, ok := transport.Maps(raw)
	if !ok {
		if raw != nil {
			c.log.Warn("unexpected device list shape", "path", path)
		}
		return nil, nil
	}

	refs := make([]Ref, 0, len(list))
	for _, entry := range list {
		id, ok := transport.Int(entry["id"])
		if !ok {
			c.log.Debug("skipping device entry without id", "path", path)
			continue
		}
		t, _ := entry["deviceType"].(string)
		refs = append(refs, Ref{ID: id, Type: Type(t), Attrs: entry})
	}
	return refs, nil
}

// Validate logs in with the current credentials and checks that the account
// sees at least one device.
func (c *Client) Validate(ctx context.Context, s LoginRequester) ([]Ref, error) {
	ok, err := s.Login(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, auth.ErrLoginFailed
	}
	refs, err := c.FetchDirectory(ctx)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		c.log.Error("could not retrieve any devices from catlink servers")
		return nil, ErrNoDevices
	}
	return refs, nil
}

// FetchSnapshot builds a fresh snapshot for uid. Per-device failures are
// logged and replaced with empty structures; only auth failures and
// cancellation abort the cycle. log carries per-cycle attributes and may be nil.
func (c *Client) FetchSnapshot(ctx context.Context, uid string, log *slog.Logger) (*state.Snapshot, error) {
	if log == nil {
		log = c.log
	}

	refs, err := c.FetchDirectory(ctx)
	if err != nil {
		return nil, err
	}

	snap := state.NewSnapshot(uid)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, ref := range refs {
		if !ref.Type.Known() {
			log.Debug("skipping unsupported device", "device_id", ref.ID, "device_type", ref.Type)
			continue
		}
		g.Go(func() error {
			data, err := c.fetchDevice(gctx, ref, log.With("device_id", ref.ID, "device_type", ref.Type))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			insert(snap, ref, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("devices: aggregate: %w", err)
	}

	snap.FetchedAt = c.now()
	log.Debug("snapshot aggregated", "feeders", len(snap.Feeders), "litter_boxes", len(snap.LitterBoxes), "water_fountains", len(snap.WaterFountains))
	return snap, nil
}

type deviceData struct {
	detail map[string]any
	events []map[string]any
	wifi   map[string]any
	cat    map[string]any
}

func (c *Client) fetchDevice(ctx context.Context, ref Ref, log *slog.Logger) (deviceData, error) {
	params := transport.Params{"deviceId": strconv.FormatInt(ref.ID, 10)}
	data := deviceData{
		detail: map[string]any{},
		events: []map[string]any{},
		wifi:   map[string]any{},
	}

	resp, err := c.get(ctx, c.ep.Detail[ref.Type], params, log)
	if err != nil {
		return data, err
	}
	if v, ok := resp.Lookup("data", "deviceInfo"); ok {
		if m, ok := transport.Map(v); ok {
			data.detail = m
		} else {
			log.Error("unexpected device detail shape", "got", fmt.Sprintf("%T", v))
		}
	}

	if path := c.ep.Log[ref.Type]; path != "" {
		resp, err = c.get(ctx, path, params, log)
		if err != nil {
			return data, err
		}
		if v, ok := resp.Lookup("data", c.ep.LogNode[ref.Type]); ok && v != nil {
			if list, ok := transport.Maps(v); ok {
				data.events = list
			} else {
				log.Error("unexpected device log shape", "got", fmt.Sprintf("%T", v))
			}
		}
	}

	if path := c.ep.Wifi[ref.Type]; path != "" {
		resp, err = c.get(ctx, path, params, log)
		if err != nil {
			return data, err
		}
		if v, ok := resp.Lookup("data"); ok && v != nil {
			if m, ok := transport.Map(v); ok {
				data.wifi = m
			} else {
				log.Error("unexpected wifi info shape", "got", fmt.Sprintf("%T", v))
			}
		}
	}

	if path := c.ep.CatStats[ref.Type]; path != "" {
		data.cat = map[string]any{}
		catParams := params.Clone()
		catParams["pageNumber"] = strconv.Itoa(catStatsPage)
		catParams["pageSize"] = strconv.Itoa(catStatsPageSize)
		resp, err = c.get(ctx, path, catParams, log)
		if err != nil {
			return data, err
		}
		if v, ok := resp.Lookup("data", "catInfo", "singleData"); ok && v != nil {
			if list, ok := transport.Maps(v); ok {
				if len(list) > 0 {
					data.cat = list[0]
				}
			} else {
				log.Error("unexpected cat statistics shape", "got", fmt.Sprintf("%T", v))
			}
		}
	}

	return data, nil
}

// get performs one aggregation request. Failures other than bad credentials
// and cancellation degrade to an empty response.
func (c *Client) get(ctx context.Context, path string, params transport.Params, log *slog.Logger) (transport.Response, error) {
	if path == "" {
		return transport.Response{}, nil
	}
	resp, err := c.req.Do(ctx, path, params, transport.MethodGet)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, auth.ErrAuth) || ctx.Err() != nil {
		return nil, err
	}
	log.Warn("device request failed", "path", path, "error", err)
	return transport.Response{}, nil
}

func insert(snap *state.Snapshot, ref Ref, d deviceData) {
	switch ref.Type {
	case TypeFeeder:
		snap.Feeders[ref.ID] = &state.Feeder{
			ID:           ref.ID,
			DeviceAttrs:  ref.Attrs,
			DeviceDetail: d.detail,
			EventRecord:  d.events,
			WifiInfo:     d.wifi,
			Type:         string(ref.Type),
		}
	case TypeLitterBox:
		snap.LitterBoxes[ref.ID] = &state.LitterBox{
			ID:           ref.ID,
			DeviceAttrs:  ref.Attrs,
			DeviceDetail: d.detail,
			EventRecord:  d.events,
			WifiInfo:     d.wifi,
			Type:         string(ref.Type),
		}
	case TypeWaterFountain:
		cat := d.cat
		if cat == nil {
			cat = map[string]any{}
		}
		snap.WaterFountains[ref.ID] = &state.WaterFountain{
			ID:           ref.ID,
			DeviceAttrs:  ref.Attrs,
			DeviceDetail: d.detail,
			EventRecord:  d.events,
			WifiInfo:     d.wifi,
			CatData:      cat,
			DeviceType:   string(ref.Type),
		}
	}
}
