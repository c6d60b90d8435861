package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCall struct {
	path   string
	params transport.Params
}

// fakeRequester answers Do through handle and records every call.
type fakeRequester struct {
	mu     sync.Mutex
	calls  []fakeCall
	handle func(path string, params transport.Params) (transport.Response, error)

	loginOK  bool
	loginErr error
}

func (f *fakeRequester) Do(_ context.Context, path string, params transport.Params, _ transport.Method) (transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{path: path, params: params.Clone()})
	f.mu.Unlock()
	return f.handle(path, params)
}

func (f *fakeRequester) Login(context.Context) (bool, error) {
	return f.loginOK, f.loginErr
}

func (f *fakeRequester) callsTo(path string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

// obj decodes a JSON literal the way the transport does.
func obj(t *testing.T, s string) transport.Response {
	t.Helper()
	var r transport.Response
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&r))
	return r
}

func list(t *testing.T, entries string) transport.Response {
	return obj(t, fmt.Sprintf(`{"returnCode":0,"data":{"devices":%s}}`, entries))
}

// account serves a directory and per-device endpoints for a typical account.
func account(t *testing.T, owned, shared string) func(string, transport.Params) (transport.Response, error) {
	ep := DefaultEndpoints()
	return func(path string, p transport.Params) (transport.Response, error) {
		id := p["deviceId"]
		switch path {
		case ep.OwnedList:
			return list(t, owned), nil
		case ep.SharedList:
			return list(t, shared), nil
		case ep.Detail[TypeFeeder], ep.Detail[TypeLitterBox], ep.Detail[TypeWaterFountain]:
			return obj(t, fmt.Sprintf(`{"returnCode":0,"data":{"deviceInfo":{"deviceName":"dev-%s","online":true}}}`, id)), nil
		case ep.Log[TypeFeeder]:
			return obj(t, `{"data":{"feederLogTop5":[{"id":"1","type":"EAT"}]}}`), nil
		case ep.Log[TypeLitterBox]:
			return obj(t, `{"data":{"scooperLogTop5":[{"id":"2","type":"WC"}]}}`), nil
		case ep.Log[TypeWaterFountain]:
			return obj(t, `{"data":{"pureLogTop5":[{"id":"3","type":"DRINK"}]}}`), nil
		case ep.Wifi[TypeFeeder], ep.Wifi[TypeLitterBox], ep.Wifi[TypeWaterFountain]:
			return obj(t, `{"data":{"wifiStatus":"GOOD","rssi":-40,"wifiSignalPercent":80}}`), nil
		case ep.CatStats[TypeWaterFountain]:
			return obj(t, `{"data":{"catInfo":{"singleData":[{"intakesOrTimes":5,"duration":30},{"intakesOrTimes":1}]}}}`), nil
		}
		return transport.Response{}, nil
	}
}

func TestMerge_OwnedWins(t *testing.T) {
	owned := []Ref{{ID: 1, Type: TypeFeeder}}
	shared := []Ref{{ID: 1, Type: TypeLitterBox}, {ID: 2, Type: TypeWaterFountain}}

	got := Merge(owned, shared)
	require.Len(t, got, 2)
	assert.Equal(t, Ref{ID: 1, Type: TypeFeeder}, got[0])
	assert.Equal(t, Ref{ID: 2, Type: TypeWaterFountain}, got[1])

	assert.Empty(t, Merge(nil, nil))
}

func TestFetchDirectory(t *testing.T) {
	f := &fakeRequester{handle: account(t,
		`[{"id":1,"deviceType":"FEEDER","deviceName":"mine"},{"deviceType":"FEEDER"}]`,
		`[{"id":1,"deviceType":"SCOOPER","deviceName":"theirs"},{"id":"2","deviceType":"PURE3"}]`)}
	c := NewClient(f, testLogger())

	refs, err := c.FetchDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(1), refs[0].ID)
	assert.Equal(t, TypeFeeder, refs[0].Type)
	assert.Equal(t, "mine", refs[0].Attrs["deviceName"])
	assert.Equal(t, int64(2), refs[1].ID)
	assert.Equal(t, TypeWaterFountain, refs[1].Type)

	for _, path := range []string{c.ep.OwnedList, c.ep.SharedList} {
		calls := f.callsTo(path)
		require.Len(t, calls, 1)
		assert.Equal(t, "NONE", calls[0].params["type"])
	}
}

func TestFetchDirectory_EmptyIsNotAnError(t *testing.T) {
	f := &fakeRequester{handle: func(string, transport.Params) (transport.Response, error) {
		return transport.Response{}, nil
	}}
	refs, err := NewClient(f, testLogger()).FetchDirectory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestFetchDirectory_PropagatesErrors(t *testing.T) {
	f := &fakeRequester{handle: func(string, transport.Params) (transport.Response, error) {
		return nil, auth.ErrAuth
	}}
	_, err := NewClient(f, testLogger()).FetchDirectory(context.Background())
	assert.ErrorIs(t, err, auth.ErrAuth)
}

func TestFetchSnapshot(t *testing.T) {
	f := &fakeRequester{handle: account(t,
		`[{"id":1,"deviceType":"FEEDER"},{"id":2,"deviceType":"SCOOPER"}]`,
		`[{"id":3,"deviceType":"PURE3"},{"id":4,"deviceType":"DOORBELL"}]`)}
	at := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	c := NewClient(f, testLogger(), WithConcurrency(2), WithClock(func() time.Time { return at }))

	snap, err := c.FetchSnapshot(context.Background(), "13800000000", nil)
	require.NoError(t, err)

	assert.Equal(t, "13800000000", snap.UID)
	assert.Equal(t, at, snap.FetchedAt)
	assert.Nil(t, snap.Pets)
	assert.Equal(t, 3, snap.Len())

	feeder := snap.Feeders[1]
	require.NotNil(t, feeder)
	assert.Equal(t, "FEEDER", feeder.Type)
	assert.Equal(t, "dev-1", feeder.DeviceDetail["deviceName"])
	require.Len(t, feeder.EventRecord, 1)
	assert.Equal(t, "EAT", feeder.EventRecord[0]["type"])
	assert.Equal(t, "GOOD", feeder.WifiInfo["wifiStatus"])

	box := snap.LitterBoxes[2]
	require.NotNil(t, box)
	assert.Equal(t, "WC", box.EventRecord[0]["type"])

	fountain := snap.WaterFountains[3]
	require.NotNil(t, fountain)
	assert.Equal(t, "PURE3", fountain.DeviceType)
	assert.Equal(t, json.Number("5"), fountain.CatData["intakesOrTimes"])

	_, found := snap.Device(4)
	assert.False(t, found, "unknown device types are dropped")
	for _, c := range f.calls {
		assert.NotEqual(t, "4", c.params["deviceId"], "no request for unsupported types")
	}

	stats := f.callsTo(c.ep.CatStats[TypeWaterFountain])
	require.Len(t, stats, 1)
	assert.Equal(t, transport.Params{"deviceId": "3", "pageNumber": "1", "pageSize": "3"}, stats[0].params)
}

func TestFetchSnapshot_DetailTypeErrorIsPartial(t *testing.T) {
	base := account(t, `[{"id":5,"deviceType":"FEEDER"},{"id":6,"deviceType":"FEEDER"}]`, `[]`)
	detail := DefaultEndpoints().Detail[TypeFeeder]
	f := &fakeRequester{handle: func(path string, p transport.Params) (transport.Response, error) {
		if path == detail && p["deviceId"] == "5" {
			return obj(t, `{"data":{"deviceInfo":"not-an-object"}}`), nil
		}
		return base(path, p)
	}}

	snap, err := NewClient(f, testLogger()).FetchSnapshot(context.Background(), "u", nil)
	require.NoError(t, err)

	require.Contains(t, snap.Feeders, int64(5))
	assert.Empty(t, snap.Feeders[5].DeviceDetail)
	assert.NotNil(t, snap.Feeders[5].DeviceDetail)
	assert.Len(t, snap.Feeders[5].EventRecord, 1, "the rest of the device is still fetched")
	assert.Equal(t, "dev-6", snap.Feeders[6].DeviceDetail["deviceName"])
}

func TestFetchSnapshot_RequestErrorIsPartial(t *testing.T) {
	base := account(t, `[{"id":7,"deviceType":"SCOOPER"}]`, `[]`)
	logPath := DefaultEndpoints().Log[TypeLitterBox]
	f := &fakeRequester{handle: func(path string, p transport.Params) (transport.Response, error) {
		if path == logPath {
			return nil, transport.ErrDecode
		}
		return base(path, p)
	}}

	snap, err := NewClient(f, testLogger()).FetchSnapshot(context.Background(), "u", nil)
	require.NoError(t, err)
	box := snap.LitterBoxes[7]
	require.NotNil(t, box)
	assert.Empty(t, box.EventRecord)
	assert.Equal(t, "dev-7", box.DeviceDetail["deviceName"])
}

func TestFetchSnapshot_EmptyResponsesGiveEmptyStructures(t *testing.T) {
	ep := DefaultEndpoints()
	f := &fakeRequester{handle: func(path string, p transport.Params) (transport.Response, error) {
		if path == ep.OwnedList {
			return list(t, `[{"id":9,"deviceType":"PURE3"}]`), nil
		}
		return transport.Response{}, nil
	}}

	snap, err := NewClient(f, testLogger()).FetchSnapshot(context.Background(), "u", nil)
	require.NoError(t, err)
	w := snap.WaterFountains[9]
	require.NotNil(t, w)
	assert.NotNil(t, w.DeviceDetail)
	assert.NotNil(t, w.EventRecord)
	assert.NotNil(t, w.WifiInfo)
	assert.NotNil(t, w.CatData)
}

func TestFetchSnapshot_AuthErrorAborts(t *testing.T) {
	base := account(t, `[{"id":1,"deviceType":"FEEDER"},{"id":2,"deviceType":"SCOOPER"}]`, `[]`)
	detail := DefaultEndpoints().Detail[TypeLitterBox]
	f := &fakeRequester{handle: func(path string, p transport.Params) (transport.Response, error) {
		if path == detail {
			return nil, fmt.Errorf("%w: expired", auth.ErrAuth)
		}
		return base(path, p)
	}}

	_, err := NewClient(f, testLogger()).FetchSnapshot(context.Background(), "u", nil)
	assert.ErrorIs(t, err, auth.ErrAuth)
}

func TestFetchSnapshot_EmptyDirectory(t *testing.T) {
	f := &fakeRequester{handle: account(t, `[]`, `[]`)}
	snap, err := NewClient(f, testLogger()).FetchSnapshot(context.Background(), "u", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.NotNil(t, snap.Feeders)
}

func TestValidate(t *testing.T) {
	t.Run("no devices", func(t *testing.T) {
		f := &fakeRequester{loginOK: true, handle: account(t, `[]`, `[]`)}
		_, err := NewClient(f, testLogger()).Validate(context.Background(), f)
		assert.ErrorIs(t, err, ErrNoDevices)
	})
	t.Run("bad credentials", func(t *testing.T) {
		f := &fakeRequester{loginErr: auth.ErrAuth}
		_, err := NewClient(f, testLogger()).Validate(context.Background(), f)
		assert.ErrorIs(t, err, auth.ErrAuth)
	})
	t.Run("no token", func(t *testing.T) {
		f := &fakeRequester{}
		_, err := NewClient(f, testLogger()).Validate(context.Background(), f)
		assert.ErrorIs(t, err, auth.ErrLoginFailed)
	})
	t.Run("ok", func(t *testing.T) {
		f := &fakeRequester{loginOK: true, handle: account(t, `[{"id":1,"deviceType":"FEEDER"}]`, `[]`)}
		refs, err := NewClient(f, testLogger()).Validate(context.Background(), f)
		require.NoError(t, err)
		assert.Len(t, refs, 1)
	})
}

func TestWithEndpoints_IsCopied(t *testing.T) {
	ep := DefaultEndpoints()
	c := NewClient(&fakeRequester{}, testLogger(), WithEndpoints(ep))
	ep.Detail[TypeFeeder] = "changed"
	assert.Equal(t, "token/device/feeder/detail", c.Endpoints().Detail[TypeFeeder])
}

// TestFetchSnapshot_OverHTTP runs the whole stack: signed transport, auth
// manager with a stored token and the aggregator against a fake vendor API.
func TestFetchSnapshot_OverHTTP(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path]++
		mu.Unlock()

		q := r.URL.Query()
		if q.Get("token") != "tok" {
			w.Write([]byte(`{"returnCode":1002}`))
			return
		}
		assert.NotEmpty(t, q.Get("sign"))
		switch r.URL.Path {
		case "/api/token/device/union/ownList":
			assert.Equal(t, "NONE", q.Get("type"))
			w.Write([]byte(`{"returnCode":0,"data":{"devices":[{"id":1,"deviceType":"FEEDER"}]}}`))
		case "/api/token/device/union/sharedList":
			w.Write([]byte(`{"returnCode":0,"data":{"devices":[{"id":1,"deviceType":"SCOOPER"},{"id":2,"deviceType":"PURE3"}]}}`))
		case "/api/token/device/feeder/detail":
			w.Write([]byte(`{"returnCode":0,"data":{"deviceInfo":{"weight":12}}}`))
		default:
			w.Write([]byte(`{"returnCode":0,"data":{}}`))
		}
	}))
	defer server.Close()

	tc := transport.NewClient(testLogger(), transport.WithBaseURL(server.URL+"/api/"))
	store := auth.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &auth.Session{Phone: "138", Token: "tok"}))
	mgr := auth.NewManager(tc, store, auth.Credentials{Phone: "138", Password: "pw"}, testLogger())

	snap, err := NewClient(mgr, testLogger()).FetchSnapshot(context.Background(), "138", nil)
	require.NoError(t, err)

	require.Contains(t, snap.Feeders, int64(1))
	assert.NotContains(t, snap.LitterBoxes, int64(1), "owned entry wins over shared")
	require.Contains(t, snap.WaterFountains, int64(2))
	assert.Equal(t, json.Number("12"), snap.Feeders[1].DeviceDetail["weight"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["/api/token/device/purepro/stats/catDataList"])
	assert.Zero(t, seen["/api/login/password"])
}

func TestGet_CancelledContextAborts(t *testing.T) {
	f := &fakeRequester{handle: func(string, transport.Params) (transport.Response, error) {
		return nil, errors.New("boom")
	}}
	c := NewClient(f, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.get(ctx, "x", nil, testLogger())
	assert.Error(t, err)

	resp, err := c.get(context.Background(), "x", nil, testLogger())
	require.NoError(t, err)
	assert.Empty(t, resp)
}
