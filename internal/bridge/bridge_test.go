package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pettracer-community/bridge/internal/device"
	"github.com/pettracer-community/bridge/internal/infrastructure/mqtt"
	"github.com/pettracer-community/bridge/internal/pettracer"
)

// fakeAPI serves canned portal responses and counts calls.
type fakeAPI struct {
	collars     []pettracer.CollarRecord
	stations    []pettracer.HomeStationRecord
	fifo        map[string]*pettracer.FIFOResponse
	collarsErr  error
	stationsErr error
	fifoErr     error

	collarCalls atomic.Int64
}

func (f *fakeAPI) Collars(_ context.Context) ([]pettracer.CollarRecord, error) {
	f.collarCalls.Add(1)
	if f.collarsErr != nil {
		return nil, f.collarsErr
	}
	return f.collars, nil
}

func (f *fakeAPI) HomeStations(_ context.Context) ([]pettracer.HomeStationRecord, error) {
	if f.stationsErr != nil {
		return nil, f.stationsErr
	}
	return f.stations, nil
}

func (f *fakeAPI) DeviceFIFO(_ context.Context, deviceID string) (*pettracer.FIFOResponse, error) {
	if f.fifoErr != nil {
		return nil, f.fifoErr
	}
	if fifo, ok := f.fifo[deviceID]; ok {
		return fifo, nil
	}
	return &pettracer.FIFOResponse{}, nil
}

// publishRecord captures one MQTT publish.
type publishRecord struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeMQTT records published messages and captures subscriptions.
type fakeMQTT struct {
	mu       sync.Mutex
	records  []publishRecord
	handlers map[string]mqtt.MessageHandler
	err      error
	subErr   error
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, publishRecord{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeMQTT) IsConnected() bool { return true }

func (f *fakeMQTT) published() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishRecord, len(f.records))
	copy(out, f.records)
	return out
}

func (f *fakeMQTT) byTopic(topic string) []publishRecord {
	var out []publishRecord
	for _, rec := range f.published() {
		if rec.topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

// fakeSession records lifecycle calls.
type fakeSession struct {
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeSession) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeSession) Stop() { f.stopped.Store(true) }

func testCollar(id int64, name string) pettracer.CollarRecord {
	return pettracer.CollarRecord{
		ID:      id,
		Details: pettracer.CollarDetails{Name: name},
		Mode:    0,
	}
}

func newTestBridge(t *testing.T, opts Options) *Bridge {
	t.Helper()
	if opts.Cache == nil {
		opts.Cache = device.NewCache()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = pettracer.NewDispatcher(nil)
	}
	if opts.MQTT == nil {
		opts.MQTT = &fakeMQTT{}
	}
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return b
}

func TestNewValidation(t *testing.T) {
	api := &fakeAPI{}
	mq := &fakeMQTT{}
	cache := device.NewCache()
	dispatcher := pettracer.NewDispatcher(nil)

	tests := []struct {
		name string
		opts Options
	}{
		{"missing api", Options{MQTT: mq, Cache: cache, Dispatcher: dispatcher}},
		{"missing mqtt", Options{API: api, Cache: cache, Dispatcher: dispatcher}},
		{"missing cache", Options{API: api, MQTT: mq, Dispatcher: dispatcher}},
		{"missing dispatcher", Options{API: api, MQTT: mq, Cache: cache}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStartSeedsCacheAndPublishes(t *testing.T) {
	lat, lng := 47.3769, 8.5417
	api := &fakeAPI{
		collars:  []pettracer.CollarRecord{testCollar(41, "Milo")},
		stations: []pettracer.HomeStationRecord{{ID: 90, LastRSSI: 180}},
		fifo: map[string]*pettracer.FIFOResponse{
			"41": {FIFO: []pettracer.FIFOEntry{{
				ReceivedBy: []pettracer.FIFOReception{{RSSI: 200}},
				Telegram:   pettracer.FIFOTelegram{Latitude: &lat, Longitude: &lng},
			}}},
		},
	}
	mq := &fakeMQTT{}
	cache := device.NewCache()
	dispatcher := pettracer.NewDispatcher(nil)
	session := &fakeSession{}

	b := newTestBridge(t, Options{
		API: api, MQTT: mq, Cache: cache, Dispatcher: dispatcher,
		Session: session, PollInterval: time.Hour,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	if cache.Count() != 2 {
		t.Errorf("cache count = %d, want 2", cache.Count())
	}

	d, ok := cache.Get("41")
	if !ok {
		t.Fatal("collar 41 not cached")
	}
	if d.Position == nil || d.Position.Latitude != lat {
		t.Errorf("FIFO position not applied: %+v", d.Position)
	}
	if d.Signal.Raw != 200 {
		t.Errorf("FIFO signal raw = %d, want 200", d.Signal.Raw)
	}

	if !session.started.Load() {
		t.Error("realtime session not started")
	}
	if dispatcher.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1", dispatcher.SubscriberCount())
	}

	states := mq.byTopic("pettracer/device/41/state")
	if len(states) != 1 {
		t.Fatalf("state publishes for 41 = %d, want 1", len(states))
	}
	if !states[0].retained {
		t.Error("state message not retained")
	}
	var state struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(states[0].payload, &state); err != nil {
		t.Fatalf("unmarshal state payload: %v", err)
	}
	if state.Name != "Milo" || state.Source != "snapshot" {
		t.Errorf("state payload = %+v, want Milo/snapshot", state)
	}

	if got := mq.byTopic("pettracer/device/90/state"); len(got) != 1 {
		t.Errorf("state publishes for 90 = %d, want 1", len(got))
	}
}

func TestStartFailsWhenSnapshotFails(t *testing.T) {
	api := &fakeAPI{collarsErr: errors.New("portal down")}
	dispatcher := pettracer.NewDispatcher(nil)

	b := newTestBridge(t, Options{API: api, Dispatcher: dispatcher})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected Start() to fail")
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Error("subscriber registered despite failed start")
	}
}

func TestStartUnregistersWhenSessionFails(t *testing.T) {
	api := &fakeAPI{}
	dispatcher := pettracer.NewDispatcher(nil)
	session := &fakeSession{startErr: errors.New("dial failed")}

	b := newTestBridge(t, Options{API: api, Dispatcher: dispatcher, Session: session})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected Start() to fail")
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0 after failed start", dispatcher.SubscriberCount())
	}
}

func TestFIFOFailureDegradesGracefully(t *testing.T) {
	api := &fakeAPI{
		collars: []pettracer.CollarRecord{testCollar(41, "Milo")},
		fifoErr: errors.New("timeout"),
	}
	cache := device.NewCache()

	b := newTestBridge(t, Options{API: api, Cache: cache, PollInterval: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	if _, ok := cache.Get("41"); !ok {
		t.Error("collar not cached after FIFO failure")
	}
}

func TestUpdatePublishesStateAndEvent(t *testing.T) {
	api := &fakeAPI{collars: []pettracer.CollarRecord{testCollar(41, "Milo")}}
	mq := &fakeMQTT{}
	cache := device.NewCache()
	dispatcher := pettracer.NewDispatcher(nil)

	b := newTestBridge(t, Options{
		API: api, MQTT: mq, Cache: cache, Dispatcher: dispatcher, PollInterval: time.Hour,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	// Simulate the session's merge-then-notify sequence.
	if _, ok := cache.Merge("41", map[string]any{"led": true}); !ok {
		t.Fatal("merge failed")
	}
	dispatcher.Notify("41", map[string]any{"led": true})

	states := mq.byTopic("pettracer/device/41/state")
	if len(states) != 2 {
		t.Fatalf("state publishes = %d, want 2 (snapshot + realtime)", len(states))
	}
	var state struct {
		LED    bool   `json:"led"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(states[1].payload, &state); err != nil {
		t.Fatalf("unmarshal state payload: %v", err)
	}
	if !state.LED || state.Source != "realtime" {
		t.Errorf("state payload = %+v, want led on from realtime", state)
	}

	events := mq.byTopic("pettracer/device/41/event")
	if len(events) != 1 {
		t.Fatalf("event publishes = %d, want 1", len(events))
	}
	if events[0].retained {
		t.Error("event message must not be retained")
	}
	var ev eventMessage
	if err := json.Unmarshal(events[0].payload, &ev); err != nil {
		t.Fatalf("unmarshal event payload: %v", err)
	}
	if ev.DeviceID != "41" {
		t.Errorf("event device_id = %q, want 41", ev.DeviceID)
	}
	if on, ok := ev.Fields["led"].(bool); !ok || !on {
		t.Errorf("event fields = %v, want led true", ev.Fields)
	}
}

func TestUpdateForUnknownDeviceIsDropped(t *testing.T) {
	api := &fakeAPI{}
	mq := &fakeMQTT{}
	dispatcher := pettracer.NewDispatcher(nil)

	b := newTestBridge(t, Options{API: api, MQTT: mq, Dispatcher: dispatcher, PollInterval: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	dispatcher.Notify("ghost", map[string]any{"led": true})

	if got := len(mq.published()); got != 0 {
		t.Errorf("publishes = %d, want 0 for unknown device", got)
	}
}

func TestPollLoopRefreshes(t *testing.T) {
	api := &fakeAPI{collars: []pettracer.CollarRecord{testCollar(41, "Milo")}}
	mq := &fakeMQTT{}

	b := newTestBridge(t, Options{API: api, MQTT: mq, PollInterval: 10 * time.Millisecond})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for api.collarCalls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("collar calls = %d, want >= 3", api.collarCalls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	b.Stop()

	var sawPoll bool
	for _, rec := range mq.byTopic("pettracer/device/41/state") {
		var state struct {
			Source string `json:"source"`
		}
		if err := json.Unmarshal(rec.payload, &state); err == nil && state.Source == "poll" {
			sawPoll = true
		}
	}
	if !sawPoll {
		t.Error("expected a poll-sourced state publish")
	}
}

func TestPollRefreshPreservesRealtimeFields(t *testing.T) {
	api := &fakeAPI{collars: []pettracer.CollarRecord{testCollar(41, "Milo")}}
	cache := device.NewCache()

	b := newTestBridge(t, Options{API: api, Cache: cache, PollInterval: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	// A realtime delta sets a field the collar list never reports.
	if _, ok := cache.Merge("41", map[string]any{device.FieldLED: true}); !ok {
		t.Fatal("merge failed")
	}

	// The poll fallback re-fetches the same REST record.
	if _, err := b.refreshSnapshot(context.Background()); err != nil {
		t.Fatalf("refreshSnapshot() error: %v", err)
	}

	d, ok := cache.Get("41")
	if !ok {
		t.Fatal("collar 41 missing after refresh")
	}
	if !d.LED {
		t.Error("LED state erased by poll re-seed")
	}
}

// fakeCommander records forwarded commands.
type fakeCommander struct {
	mu      sync.Mutex
	modes   map[string]device.Mode
	leds    map[string]bool
	buzzers map[string]bool
	err     error
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		modes:   make(map[string]device.Mode),
		leds:    make(map[string]bool),
		buzzers: make(map[string]bool),
	}
}

func (f *fakeCommander) SetMode(_ context.Context, id string, mode device.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.modes[id] = mode
	return nil
}

func (f *fakeCommander) SetLED(_ context.Context, id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.leds[id] = on
	return nil
}

func (f *fakeCommander) SetBuzzer(_ context.Context, id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.buzzers[id] = on
	return nil
}

func TestCommandTopicForwardsToVendor(t *testing.T) {
	api := &fakeAPI{collars: []pettracer.CollarRecord{testCollar(41, "Milo")}}
	mq := &fakeMQTT{}
	commander := newFakeCommander()

	b := newTestBridge(t, Options{
		API: api, MQTT: mq, Commander: commander, PollInterval: time.Hour,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	handler := mq.handler("pettracer/device/+/set")
	if handler == nil {
		t.Fatal("bridge did not subscribe to command topics")
	}

	if err := handler("pettracer/device/41/set", []byte(`{"mode":1,"led":true}`)); err != nil {
		t.Fatalf("command handler error: %v", err)
	}

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if commander.modes["41"] != device.Mode(1) {
		t.Errorf("mode command = %v, want 1", commander.modes)
	}
	if !commander.leds["41"] {
		t.Errorf("led command = %v, want on", commander.leds)
	}
	if len(commander.buzzers) != 0 {
		t.Errorf("unexpected buzzer command: %v", commander.buzzers)
	}
}

func TestCommandTopicRejectsBadInput(t *testing.T) {
	api := &fakeAPI{collars: []pettracer.CollarRecord{testCollar(41, "Milo")}}
	mq := &fakeMQTT{}
	commander := newFakeCommander()

	b := newTestBridge(t, Options{
		API: api, MQTT: mq, Commander: commander, PollInterval: time.Hour,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	handler := mq.handler("pettracer/device/+/set")

	if err := handler("pettracer/device/41/set", []byte(`not json`)); err == nil {
		t.Error("expected error for undecodable payload")
	}
	// Unknown devices are dropped without error so a stray retained
	// message cannot spam the log with handler failures.
	if err := handler("pettracer/device/999/set", []byte(`{"led":true}`)); err != nil {
		t.Errorf("unknown device error = %v, want nil", err)
	}
	if err := handler("pettracer/device/41/set", []byte(`{}`)); err != nil {
		t.Errorf("empty command error = %v, want nil", err)
	}

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if len(commander.modes)+len(commander.leds)+len(commander.buzzers) != 0 {
		t.Error("commands forwarded despite bad input")
	}
}

func TestStartFailsWhenCommandSubscribeFails(t *testing.T) {
	api := &fakeAPI{}
	mq := &fakeMQTT{subErr: errors.New("broker refused")}
	dispatcher := pettracer.NewDispatcher(nil)

	b := newTestBridge(t, Options{
		API: api, MQTT: mq, Commander: newFakeCommander(), Dispatcher: dispatcher,
	})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected Start() to fail")
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Error("subscriber registered despite failed start")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	session := &fakeSession{}

	b := newTestBridge(t, Options{API: api, Session: session, PollInterval: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	b.Stop()
	b.Stop()

	if !session.stopped.Load() {
		t.Error("session not stopped")
	}
}
