package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pettracer-community/bridge/internal/device"
	"github.com/pettracer-community/bridge/internal/infrastructure/mqtt"
	"github.com/pettracer-community/bridge/internal/pettracer"
)

// defaultPollInterval is used when the options leave PollInterval unset.
// The REST snapshot is a fallback for deltas lost while the realtime
// session was down, so a slow cadence is fine.
const defaultPollInterval = 60 * time.Second

// Bridge ties the vendor cloud to the local MQTT broker. It seeds the
// device cache from the REST API, keeps it current through the realtime
// session, republishes every change as retained state plus a per-update
// event, and forwards inbound command topics to the vendor.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	api        VendorAPI
	session    RealtimeSession
	mqtt       MQTTClient
	commander  Commander
	cache      *device.Cache
	dispatcher *pettracer.Dispatcher
	logger     Logger

	pollInterval time.Duration
	qos          byte
	topics       mqtt.Topics

	subID    string
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// VendorAPI is the slice of the portal REST client the bridge needs.
type VendorAPI interface {
	Collars(ctx context.Context) ([]pettracer.CollarRecord, error)
	HomeStations(ctx context.Context) ([]pettracer.HomeStationRecord, error)
	DeviceFIFO(ctx context.Context, deviceID string) (*pettracer.FIFOResponse, error)
}

// RealtimeSession is the lifecycle surface of the websocket session.
type RealtimeSession interface {
	Start(ctx context.Context) error
	Stop()
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Commander forwards control commands to the vendor cloud. Implemented
// by the portal REST client.
type Commander interface {
	SetMode(ctx context.Context, deviceID string, mode device.Mode) error
	SetLED(ctx context.Context, deviceID string, on bool) error
	SetBuzzer(ctx context.Context, deviceID string, on bool) error
}

// Logger is the minimal logging surface the bridge uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds configuration for creating a bridge.
type Options struct {
	// API is the portal REST client.
	API VendorAPI

	// Session is the realtime websocket session. Optional; without it
	// the bridge relies on polling alone.
	Session RealtimeSession

	// MQTT is the broker client used for republishing.
	MQTT MQTTClient

	// Commander forwards control commands to the vendor. Optional;
	// without it inbound command topics are not subscribed.
	Commander Commander

	// Cache is the shared device cache.
	Cache *device.Cache

	// Dispatcher delivers merged realtime updates.
	Dispatcher *pettracer.Dispatcher

	// Logger is optional structured logger.
	Logger Logger

	// PollInterval is the REST snapshot fallback cadence.
	PollInterval time.Duration

	// QoS applies to all published messages.
	QoS byte
}

// stateMessage is the retained per-device state payload.
type stateMessage struct {
	device.Device
	Source string `json:"source"`
}

// eventMessage is the per-update event payload. It carries only the
// canonical fields that changed.
type eventMessage struct {
	EventID  string         `json:"event_id"`
	DeviceID string         `json:"device_id"`
	Fields   map[string]any `json:"fields"`
	Time     time.Time      `json:"time"`
}

// New creates a new bridge instance.
// Call Start() to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("vendor API client is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("device cache is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Bridge{
		api:          opts.API,
		session:      opts.Session,
		mqtt:         opts.MQTT,
		commander:    opts.Commander,
		cache:        opts.Cache,
		dispatcher:   opts.Dispatcher,
		logger:       logger,
		pollInterval: pollInterval,
		qos:          opts.QoS,
		done:         make(chan struct{}),
	}, nil
}

// Start seeds the cache from the REST API, publishes the initial
// retained states, subscribes to realtime updates, and starts the
// websocket session and the poll fallback.
func (b *Bridge) Start(ctx context.Context) error {
	count, err := b.refreshSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	b.logger.Info("device snapshot loaded", "devices", count)

	b.publishAllStates("snapshot")

	b.subID = b.dispatcher.Register(b.onUpdate)

	if b.commander != nil {
		topic := b.topics.AllDeviceCommands()
		if err := b.mqtt.Subscribe(topic, b.qos, b.onCommand); err != nil {
			b.dispatcher.Unregister(b.subID)
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}

	if b.session != nil {
		if err := b.session.Start(ctx); err != nil {
			b.dispatcher.Unregister(b.subID)
			return fmt.Errorf("starting realtime session: %w", err)
		}
	}

	b.wg.Add(1)
	go b.pollLoop(ctx)

	b.logger.Info("bridge started", "poll_interval", b.pollInterval.String())
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		if b.session != nil {
			b.session.Stop()
		}
		if b.subID != "" {
			b.dispatcher.Unregister(b.subID)
		}

		b.wg.Wait()
		b.logger.Info("bridge stopped")
	})
}

// refreshSnapshot fetches the collar and home station lists and folds
// them into the cache. Collar positions are backfilled from the device
// FIFO when available. Known devices are reconciled rather than
// replaced, so fields only the realtime session reports survive the
// poll.
//
// A FIFO failure for one collar degrades that collar's snapshot, not
// the refresh.
func (b *Bridge) refreshSnapshot(ctx context.Context) (int, error) {
	collars, err := b.api.Collars(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing collars: %w", err)
	}
	stations, err := b.api.HomeStations(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing home stations: %w", err)
	}

	for _, rec := range collars {
		d := pettracer.CollarDevice(rec)

		fifo, err := b.api.DeviceFIFO(ctx, d.ID)
		if err != nil {
			b.logger.Warn("FIFO backfill failed", "device_id", d.ID, "error", err)
		} else {
			pettracer.ApplyFIFO(&d, fifo)
		}

		b.cache.Reconcile(d)
	}

	for _, rec := range stations {
		b.cache.Reconcile(pettracer.HomeStationDevice(rec))
	}

	return len(collars) + len(stations), nil
}

// onUpdate republishes a merged realtime delta: the full device state
// retained, and the changed fields as an event.
func (b *Bridge) onUpdate(ev pettracer.UpdateEvent) {
	d, ok := b.cache.Get(ev.DeviceID)
	if !ok {
		b.logger.Warn("update for device missing from cache", "device_id", ev.DeviceID)
		return
	}

	b.publishState(*d, "realtime")

	payload, err := json.Marshal(eventMessage{
		EventID:  ev.ID,
		DeviceID: ev.DeviceID,
		Fields:   ev.Fields,
		Time:     ev.Time,
	})
	if err != nil {
		b.logger.Error("encoding event payload", "device_id", ev.DeviceID, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceEvent(ev.DeviceID), payload, b.qos, false); err != nil {
		b.logger.Error("publishing event", "device_id", ev.DeviceID, "error", err)
	}
}

// commandTimeout bounds each forwarded vendor command. Paho invokes the
// handler on its own goroutine, so a slow portal call never blocks
// message processing elsewhere.
const commandTimeout = 15 * time.Second

// commandRequest is the body accepted on device command topics. Any
// combination of the three fields may be present; each one becomes a
// vendor command.
type commandRequest struct {
	Mode   *int  `json:"mode,omitempty"`
	LED    *bool `json:"led,omitempty"`
	Buzzer *bool `json:"buzzer,omitempty"`
}

// onCommand forwards an inbound MQTT command to the vendor cloud. The
// cache is not touched; the realtime delta confirms the change.
func (b *Bridge) onCommand(topic string, payload []byte) error {
	id, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		return fmt.Errorf("command on unexpected topic %q", topic)
	}
	if _, known := b.cache.Get(id); !known {
		b.logger.Warn("command for unknown device", "device_id", id, "topic", topic)
		return nil
	}

	var req commandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding command for device %s: %w", id, err)
	}
	if req.Mode == nil && req.LED == nil && req.Buzzer == nil {
		b.logger.Warn("empty command payload", "device_id", id)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if req.Mode != nil {
		if err := b.commander.SetMode(ctx, id, device.Mode(*req.Mode)); err != nil {
			return fmt.Errorf("set mode for device %s: %w", id, err)
		}
		b.logger.Info("mode command forwarded", "device_id", id, "mode", *req.Mode)
	}
	if req.LED != nil {
		if err := b.commander.SetLED(ctx, id, *req.LED); err != nil {
			return fmt.Errorf("set led for device %s: %w", id, err)
		}
		b.logger.Info("led command forwarded", "device_id", id, "on", *req.LED)
	}
	if req.Buzzer != nil {
		if err := b.commander.SetBuzzer(ctx, id, *req.Buzzer); err != nil {
			return fmt.Errorf("set buzzer for device %s: %w", id, err)
		}
		b.logger.Info("buzzer command forwarded", "device_id", id, "on", *req.Buzzer)
	}
	return nil
}

// publishAllStates publishes a retained state message for every cached
// device.
func (b *Bridge) publishAllStates(source string) {
	for _, d := range b.cache.Snapshot() {
		b.publishState(d, source)
	}
}

// publishState publishes one device's full state, retained so late
// subscribers see the latest known values.
func (b *Bridge) publishState(d device.Device, source string) {
	payload, err := json.Marshal(stateMessage{Device: d, Source: source})
	if err != nil {
		b.logger.Error("encoding state payload", "device_id", d.ID, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceState(d.ID), payload, b.qos, true); err != nil {
		b.logger.Error("publishing state", "device_id", d.ID, "error", err)
	}
}

// pollLoop refreshes the REST snapshot on a fixed cadence. It catches
// changes missed while the realtime session was reconnecting.
func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := b.refreshSnapshot(ctx)
			if err != nil {
				b.logger.Warn("snapshot poll failed", "error", err)
				continue
			}
			b.logger.Debug("snapshot poll complete", "devices", count)
			b.publishAllStates("poll")
		}
	}
}
