package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/config"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearthwire-core/internal/pairing"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
	"github.com/hearthwire/hearthwire-core/internal/subscribe"
)

const testSerial = "02AA01AC331500K9"

// memStore backs the transport tests: objects, owners, entry keys.
type memStore struct {
	mu     sync.Mutex
	keys   map[string]*store.EntryKey
	owners map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		keys:   make(map[string]*store.EntryKey),
		owners: make(map[string]string),
	}
}

func (m *memStore) UpsertState(context.Context, string, string, int64, int64, state.Value) error {
	return nil
}
func (m *memStore) GetState(context.Context, string, string) (*state.Object, error) {
	return nil, nil
}
func (m *memStore) GetDeviceState(context.Context, string) (map[string]*state.Object, error) {
	return map[string]*state.Object{}, nil
}

func (m *memStore) GetDeviceOwner(_ context.Context, serial string) (*store.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.owners[serial]
	if !ok {
		return nil, nil
	}
	return &store.Owner{Serial: serial, UserID: userID}, nil
}

func (m *memStore) SetDeviceOwner(_ context.Context, serial, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.owners[serial]; ok && existing != userID {
		return store.ErrConflict
	}
	m.owners[serial] = userID
	return nil
}

func (m *memStore) ListUserDevices(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var serials []string
	for serial, uid := range m.owners {
		if uid == userID {
			serials = append(serials, serial)
		}
	}
	return serials, nil
}

func (m *memStore) GenerateEntryKey(_ context.Context, serial string, ttl time.Duration) (*store.EntryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := store.NewEntryCode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	key := &store.EntryKey{Code: code, Serial: serial, CreatedAt: now.UnixMilli(), ExpiresAt: now.Add(ttl).UnixMilli()}
	m.keys[code] = key
	return key, nil
}

func (m *memStore) GetEntryKey(_ context.Context, code string) (*store.EntryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[code]
	if !ok {
		return nil, nil
	}
	copied := *key
	return &copied, nil
}

func (m *memStore) MarkEntryKeyClaimed(_ context.Context, code, userID string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[code]
	if !ok {
		return store.ErrNotFound
	}
	if key.ClaimedBy != "" && key.ClaimedBy != userID {
		return store.ErrConflict
	}
	key.ClaimedBy = userID
	key.ClaimedAt = at
	return nil
}

func (m *memStore) DeleteExpiredEntryKeys(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// testHarness wires a transport server over in-memory collaborators.
type testHarness struct {
	server *Server
	state  *state.Service
	subs   *subscribe.Manager
	store  *memStore
	http   *httptest.Server
}

// bucketReader adapts the state service for the subscription manager.
type bucketReader struct{ svc *state.Service }

func (b bucketReader) Get(ctx context.Context, serial, key string) (*state.Object, error) {
	return b.svc.Get(ctx, state.BucketFor(key, serial), key)
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	ms := newMemStore()
	svc := state.NewService(ms)
	t.Cleanup(svc.Close)

	subs := subscribe.NewManager(bucketReader{svc}, subscribe.Config{
		MaxPerDevice:  3,
		Timeout:       time.Minute,
		SweepInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go subs.Run(ctx)

	eng := derive.NewEngine(ms, svc)
	pair := pairing.New(ms, svc, eng, time.Hour)

	srv, err := New(Deps{
		Config:  config.TransportConfig{Host: "127.0.0.1", Port: 8443},
		Upload:  config.UploadConfig{Dir: t.TempDir()},
		Logger:  logging.Default(),
		State:   svc,
		Subs:    subs,
		Derive:  eng,
		Pairing: pair,
		Version: "test",
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testHarness{server: srv, state: svc, subs: subs, store: ms, http: ts}
}

// deviceRequest issues a request carrying the device identity header.
func (h *testHarness) deviceRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(deviceIdentityHeader, "z.2.1."+testSerial)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeObjects(t *testing.T, resp *http.Response) []*state.Object {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var doc objectsResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	return doc.Objects
}

func TestEntryDocumentListsAllURLs(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.http.URL + "/nest/entry")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var doc map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}

	for _, field := range []string{
		"czfe_url", "transport_url", "direct_transport_url", "passphrase_url",
		"ping_url", "pro_info_url", "weather_url", "upload_url",
		"software_update_url", "server_version", "tier_name",
	} {
		if _, ok := doc[field]; !ok {
			t.Errorf("entry document missing %s", field)
		}
	}
	if !strings.HasSuffix(doc["weather_url"], "?query=") {
		t.Errorf("weather_url = %q, want trailing ?query=", doc["weather_url"])
	}
}

func TestListEmptyDeviceCreatesAlertDialog(t *testing.T) {
	h := newHarness(t)

	resp := h.deviceRequest(t, http.MethodGet, "/nest/transport/device/"+testSerial, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	objs := decodeObjects(t, resp)

	// The list itself materialises the pairing-confirm dialog.
	if len(objs) != 1 || objs[0].Key != "device_alert_dialog."+testSerial {
		t.Fatalf("objects = %+v, want only the alert dialog", objs)
	}
	if objs[0].Value != nil {
		t.Error("list response leaked object values")
	}
}

func TestPassphraseShape(t *testing.T) {
	h := newHarness(t)

	resp := h.deviceRequest(t, http.MethodGet, "/nest/passphrase", nil)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var doc struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if !store.ValidEntryCode(doc.Passphrase) {
		t.Errorf("passphrase %q does not match ^[0-9]{3}[A-Z]{4}$", doc.Passphrase)
	}
}

func TestUnresolvableSerialRejected(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.http.URL+"/nest/transport", "application/json", strings.NewReader(`{"objects":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPutMergesAndBumpsRevision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deviceKey := "device." + testSerial
	if _, err := h.state.ApplyMerge(ctx, testSerial, deviceKey, state.Value{
		"away":               false,
		"fan_timer_duration": float64(900),
		"postal_code":        "94107",
	}); err != nil {
		t.Fatal(err)
	}

	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport/put", putRequest{
		Objects: []wireObject{{ObjectKey: deviceKey, Value: state.Value{"away": true}}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	objs := decodeObjects(t, resp)
	if len(objs) != 1 || objs[0].Revision != 2 {
		t.Fatalf("response = %+v, want revision 2", objs)
	}

	current, _ := h.state.Get(ctx, testSerial, deviceKey)
	want := state.Value{"away": true, "fan_timer_duration": float64(900), "postal_code": "94107"}
	for k, v := range want {
		if !state.ValuesEqual(current.Value[k], v) {
			t.Errorf("merged %s = %v, want %v", k, current.Value[k], v)
		}
	}
}

func TestPutNoOpOmitsValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sharedKey := "shared." + testSerial
	if _, err := h.state.ApplyMerge(ctx, testSerial, sharedKey, state.Value{"target_temperature": float64(21)}); err != nil {
		t.Fatal(err)
	}

	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport/put", putRequest{
		Objects: []wireObject{{ObjectKey: sharedKey, Value: state.Value{"target_temperature": float64(21)}}},
	})
	objs := decodeObjects(t, resp)
	if len(objs) != 1 {
		t.Fatalf("response = %+v", objs)
	}
	if objs[0].Revision != 1 {
		t.Errorf("no-op write advanced revision to %d", objs[0].Revision)
	}
	if objs[0].Value != nil {
		t.Error("no-op response carried a value")
	}
}

func TestSubscribeImmediateWhenServerNewer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sharedKey := "shared." + testSerial
	for i := 0; i < 3; i++ {
		if _, err := h.state.ApplyMerge(ctx, testSerial, sharedKey, state.Value{"target_temperature": float64(20 + i)}); err != nil {
			t.Fatal(err)
		}
	}

	rev, ts := int64(1), int64(1)
	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
		Objects: []wireObject{{ObjectKey: sharedKey, ObjectRevision: &rev, ObjectTimestamp: &ts}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get(serviceTimestampHeader) == "" {
		t.Error("immediate response missing service timestamp header")
	}
	objs := decodeObjects(t, resp)
	if len(objs) != 1 || objs[0].Revision != 3 {
		t.Fatalf("objects = %+v, want current revision 3", objs)
	}
	if objs[0].Value == nil {
		t.Error("immediate response omitted the value")
	}
}

func TestSubscribeZeroProbeReturnsCurrentValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sharedKey := "shared." + testSerial
	if _, err := h.state.ApplyMerge(ctx, testSerial, sharedKey, state.Value{"target_temperature": float64(21)}); err != nil {
		t.Fatal(err)
	}

	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
		Objects: []wireObject{{ObjectKey: sharedKey}},
	})
	objs := decodeObjects(t, resp)
	if len(objs) != 1 || objs[0].Revision != 1 {
		t.Fatalf("objects = %+v, want the current object", objs)
	}

	// The probe must not reset the server-held revision.
	current, _ := h.state.Get(ctx, testSerial, sharedKey)
	if current.Revision != 1 {
		t.Errorf("probe reset server revision to %d", current.Revision)
	}
}

func TestSubscribeAcceptsClientNewer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	scheduleKey := "schedule." + testSerial
	if _, err := h.state.ApplyMerge(ctx, testSerial, scheduleKey, state.Value{"ver": float64(1), "server_only": "kept"}); err != nil {
		t.Fatal(err)
	}

	rev, ts := int64(9), int64(9000)
	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
		Objects: []wireObject{{
			ObjectKey:       scheduleKey,
			ObjectRevision:  &rev,
			ObjectTimestamp: &ts,
			Value:           state.Value{"ver": float64(2)},
		}},
	})
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	current, _ := h.state.Get(ctx, testSerial, scheduleKey)
	if current.Revision != 9 || current.Timestamp != 9000 {
		t.Errorf("client revision not installed: %+v", current)
	}
	if current.Value["ver"] != float64(2) || current.Value["server_only"] != "kept" {
		t.Errorf("accepted value = %v", current.Value)
	}
}

func TestSubscribeParkAndWake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sharedKey := "shared." + testSerial
	seed, err := h.state.ApplyMerge(ctx, testSerial, sharedKey, state.Value{"target_temperature": float64(21)})
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		objs []*state.Object
		err  error
	}
	results := make(chan result, 1)

	go func() {
		// The client holds the server's exact revision and timestamp, so
		// nothing is outdated and the request parks.
		rev, ts := seed.Object.Revision, seed.Object.Timestamp
		resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
			Chunked: true,
			Objects: []wireObject{{ObjectKey: sharedKey, ObjectRevision: &rev, ObjectTimestamp: &ts}},
		})
		defer resp.Body.Close() //nolint:errcheck
		var doc objectsResponse
		err := json.NewDecoder(resp.Body).Decode(&doc)
		results <- result{doc.Objects, err}
	}()

	// Wait for the subscription to park, then advance the object the
	// way a dashboard command would.
	waitFor(t, func() bool { return h.subs.Count(testSerial) == 1 })

	res, err := h.state.ApplyMerge(ctx, testSerial, sharedKey, state.Value{"target_temperature": float64(22)})
	if err != nil {
		t.Fatal(err)
	}
	h.subs.NotifyAll(ctx, testSerial, []*state.Object{res.Object})

	select {
	case got := <-results:
		if got.err != nil {
			t.Fatalf("decoding chunked body: %v", got.err)
		}
		if len(got.objs) != 1 || got.objs[0].Revision != 2 {
			t.Fatalf("woke with %+v, want shared object at revision 2", got.objs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("parked subscription never woke")
	}

	if h.subs.Count(testSerial) != 0 {
		t.Error("fired subscription still parked")
	}
}

func TestSubscribeUpdateWakesOtherSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deviceKey := "device." + testSerial
	seed, err := h.state.ApplyMerge(ctx, testSerial, deviceKey, state.Value{"away": false})
	if err != nil {
		t.Fatal(err)
	}

	woke := make(chan []*state.Object, 1)
	go func() {
		rev, ts := seed.Object.Revision, seed.Object.Timestamp
		resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
			Chunked: true,
			Objects: []wireObject{{ObjectKey: deviceKey, ObjectRevision: &rev, ObjectTimestamp: &ts}},
		})
		defer resp.Body.Close() //nolint:errcheck
		var doc objectsResponse
		//nolint:errcheck // The channel read below fails the test on decode error
		json.NewDecoder(resp.Body).Decode(&doc)
		woke <- doc.Objects
	}()

	waitFor(t, func() bool { return h.subs.Count(testSerial) == 1 })

	// A second connection pushes an update through the subscribe path.
	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
		Objects: []wireObject{{ObjectKey: deviceKey, Value: state.Value{"away": true}}},
	})
	resp.Body.Close() //nolint:errcheck

	select {
	case objs := <-woke:
		if len(objs) == 0 || objs[0].Key != deviceKey {
			t.Fatalf("woke with %+v", objs)
		}
		if objs[0].Value["away"] != true {
			t.Errorf("woke with stale value: %v", objs[0].Value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update through subscribe path never woke the parked subscriber")
	}
}

func TestSubscribeRateLimited(t *testing.T) {
	h := newHarness(t)

	park := func() {
		rev := int64(1)
		resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
			Chunked: true,
			Objects: []wireObject{{ObjectKey: "shared." + testSerial, ObjectRevision: &rev}},
		})
		defer resp.Body.Close()        //nolint:errcheck
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
	}
	for i := 0; i < 3; i++ {
		go park()
	}
	waitFor(t, func() bool { return h.subs.Count(testSerial) == 3 })

	rev := int64(1)
	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport", subscribeRequest{
		Chunked: true,
		Objects: []wireObject{{ObjectKey: "shared." + testSerial, ObjectRevision: &rev}},
	})
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 over the cap", resp.StatusCode)
	}

	// Release the parked connections.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.subs.Shutdown(ctx)
}

func TestPutRecomputesAwayAggregate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.owners[testSerial] = "user_xyz"

	deviceKey := "device." + testSerial
	if _, err := h.state.ApplyMerge(ctx, testSerial, deviceKey, state.Value{"away": false}); err != nil {
		t.Fatal(err)
	}

	resp := h.deviceRequest(t, http.MethodPost, "/nest/transport/put", putRequest{
		Objects: []wireObject{{ObjectKey: deviceKey, Value: state.Value{"away": true, "away_timestamp": float64(5000)}}},
	})
	resp.Body.Close() //nolint:errcheck

	user, err := h.state.Get(ctx, "xyz", "user.xyz")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.Value["away"] != true {
		t.Errorf("user aggregate after away put: %+v", user)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodPost, h.http.URL+"/nest/transport", strings.NewReader("{not json"))
	req.Header.Set(deviceIdentityHeader, "z.2.1."+testSerial)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSerialFromClientID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"z.2.1." + testSerial, testSerial},
		{testSerial, testSerial},
		{"z.2.1.", ""},
		{"lowercase.serial", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := serialFromClientID(tt.id); got != tt.want {
			t.Errorf("serialFromClientID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

// waitFor polls a condition with a deadline.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
