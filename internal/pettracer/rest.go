package pettracer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pettracer-community/bridge/internal/device"
)

// Portal API endpoints, relative to the configured base URL.
const (
	endpointLogin        = "/user/login"
	endpointCollars      = "/cc/catcollars"
	endpointHomeStations = "/cc/homestations"
	endpointDeviceInfo   = "/cc/info"
	endpointCommand      = "/cc/command"
)

// Device type discriminators for control commands.
const (
	devTypeCollar      = 1
	devTypeHomeStation = 2
)

// Command numbers understood by the portal. Mode changes send the mode
// code itself; LED and buzzer have dedicated on/off commands.
const (
	cmdLEDOff    = 10
	cmdLEDOn     = 11
	cmdBuzzerOff = 20
	cmdBuzzerOn  = 21
)

// CollarRecord is one entry of the collar list response. Only the
// fields the bridge consumes are decoded.
type CollarRecord struct {
	ID       int64         `json:"id"`
	Details  CollarDetails `json:"details"`
	AccuWarn *int          `json:"accuWarn"`
	LastRSSI int           `json:"lastRssi"`
	LastPos  *LastPosition `json:"lastPos"`
	Mode     int           `json:"mode"`
	HwV      string        `json:"hwV"`
	SwV      string        `json:"swV"`
	Color    int           `json:"color"`
}

// CollarDetails carries the user-facing metadata of a collar.
type CollarDetails struct {
	Name string `json:"name"`
}

// LastPosition is the portal's compact last-known-position record.
type LastPosition struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	TimeDB string  `json:"timeDb"`
}

// HomeStationRecord is one entry of the home station list response.
type HomeStationRecord struct {
	ID       int64         `json:"id"`
	Details  CollarDetails `json:"details"`
	LastRSSI int           `json:"lastRssi"`
	HwV      string        `json:"hwV"`
	SwV      string        `json:"swV"`
	Status   int           `json:"status"`
}

// FIFOResponse is the reply to a device FIFO query: the most recent
// telegrams first.
type FIFOResponse struct {
	FIFO []FIFOEntry `json:"fifo"`
}

// FIFOEntry is one received telegram with reception metadata.
type FIFOEntry struct {
	ReceivedBy []FIFOReception `json:"receivedBy"`
	Telegram   FIFOTelegram    `json:"telegram"`
}

// FIFOReception records which station heard the telegram and how well.
type FIFOReception struct {
	RSSI int `json:"rssi"`
}

// FIFOTelegram is the decoded position payload of a telegram.
type FIFOTelegram struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	TimeDB    string   `json:"timeDb"`
}

// Client is a thin typed wrapper over the portal REST API. Every call
// obtains a bearer token from the auth manager first, so callers never
// handle tokens directly.
type Client struct {
	baseURL string
	auth    *AuthManager
	http    *http.Client
	logger  Logger
}

// NewClient creates a REST client. The http.Client may be shared with
// the auth manager.
func NewClient(baseURL string, auth *AuthManager, httpClient *http.Client, logger Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		http:    httpClient,
		logger:  logger,
	}
}

// Collars fetches the collar list for the authenticated account.
func (c *Client) Collars(ctx context.Context) ([]CollarRecord, error) {
	var collars []CollarRecord
	if err := c.do(ctx, http.MethodGet, endpointCollars, nil, &collars); err != nil {
		return nil, err
	}
	return collars, nil
}

// HomeStations fetches the home station list for the authenticated
// account.
func (c *Client) HomeStations(ctx context.Context) ([]HomeStationRecord, error) {
	var stations []HomeStationRecord
	if err := c.do(ctx, http.MethodGet, endpointHomeStations, nil, &stations); err != nil {
		return nil, err
	}
	return stations, nil
}

// DeviceFIFO fetches the most recent telegrams for a device. The first
// entry is the newest.
func (c *Client) DeviceFIFO(ctx context.Context, deviceID string) (*FIFOResponse, error) {
	var fifo FIFOResponse
	body := map[string]string{"devId": deviceID}
	if err := c.do(ctx, http.MethodPost, endpointDeviceInfo, body, &fifo); err != nil {
		return nil, err
	}
	return &fifo, nil
}

// SetMode commands a collar into the given operating mode. The cache is
// not touched here; callers wait for the realtime delta to confirm.
func (c *Client) SetMode(ctx context.Context, deviceID string, mode device.Mode) error {
	return c.sendCommand(ctx, "set_mode", deviceID, int(mode))
}

// SetLED switches the collar LED on or off.
func (c *Client) SetLED(ctx context.Context, deviceID string, on bool) error {
	cmd := cmdLEDOff
	if on {
		cmd = cmdLEDOn
	}
	return c.sendCommand(ctx, "set_led", deviceID, cmd)
}

// SetBuzzer switches the collar buzzer on or off.
func (c *Client) SetBuzzer(ctx context.Context, deviceID string, on bool) error {
	cmd := cmdBuzzerOff
	if on {
		cmd = cmdBuzzerOn
	}
	return c.sendCommand(ctx, "set_buzzer", deviceID, cmd)
}

// sendCommand posts a control command. The portal replies with an empty
// body on success; only the status code matters.
func (c *Client) sendCommand(ctx context.Context, op, deviceID string, cmdNr int) error {
	devID, err := strconv.ParseInt(deviceID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: bad device id %q: %w", op, deviceID, err)
	}
	body := map[string]any{
		"devType": devTypeCollar,
		"devId":   devID,
		"cmdNr":   cmdNr,
	}
	if err := c.doOp(ctx, http.MethodPost, endpointCommand, op, body, nil); err != nil {
		return err
	}
	c.logger.Debug("command accepted", "op", op, "device_id", deviceID, "cmd", cmdNr)
	return nil
}

// do issues an authenticated request, deriving the APIError op from the
// endpoint path.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	return c.doOp(ctx, method, endpoint, endpoint, body, out)
}

// doOp issues an authenticated request against the portal and decodes a
// JSON response into out when out is non-nil.
func (c *Client) doOp(ctx context.Context, method, endpoint, op string, body, out any) error {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Op: op}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// CollarDevice converts a collar list record into a cache device. FIFO
// backfill and realtime deltas refine it afterwards.
func CollarDevice(rec CollarRecord) device.Device {
	d := device.Device{
		ID:              strconv.FormatInt(rec.ID, 10),
		Name:            rec.Details.Name,
		Kind:            device.KindCollar,
		Mode:            device.Mode(rec.Mode),
		HardwareVersion: rec.HwV,
		SoftwareVersion: rec.SwV,
		Colour:          rec.Color,
		UpdatedAt:       time.Now().UTC(),
	}
	if d.Name == "" {
		d.Name = "Tracker " + d.ID
	}
	if rec.LastRSSI != 0 {
		d.Signal = device.SignalFromRaw(rec.LastRSSI)
	}
	if rec.AccuWarn != nil {
		d.Battery = device.BatteryFromRaw(*rec.AccuWarn)
	}
	if rec.LastPos != nil {
		pos := &device.Position{
			Latitude:  rec.LastPos.Lat,
			Longitude: rec.LastPos.Lng,
		}
		if t, err := time.Parse(time.RFC3339, rec.LastPos.TimeDB); err == nil {
			tt := t.UTC()
			pos.FixTime = &tt
		}
		d.Position = pos
	}
	return d
}

// HomeStationDevice converts a home station record into a cache device.
func HomeStationDevice(rec HomeStationRecord) device.Device {
	d := device.Device{
		ID:              strconv.FormatInt(rec.ID, 10),
		Name:            rec.Details.Name,
		Kind:            device.KindHomeStation,
		Status:          rec.Status,
		HardwareVersion: rec.HwV,
		SoftwareVersion: rec.SwV,
		UpdatedAt:       time.Now().UTC(),
	}
	if d.Name == "" {
		d.Name = "Home Station " + d.ID
	}
	if rec.LastRSSI != 0 {
		d.Signal = device.SignalFromRaw(rec.LastRSSI)
	}
	return d
}

// ApplyFIFO folds the newest FIFO telegram into a device snapshot:
// strongest reception becomes the signal, and the telegram position
// replaces the last known one when it carries coordinates.
func ApplyFIFO(d *device.Device, fifo *FIFOResponse) {
	if fifo == nil || len(fifo.FIFO) == 0 {
		return
	}
	latest := fifo.FIFO[0]

	if len(latest.ReceivedBy) > 0 {
		best := latest.ReceivedBy[0].RSSI
		for _, r := range latest.ReceivedBy[1:] {
			if r.RSSI > best {
				best = r.RSSI
			}
		}
		d.Signal = device.SignalFromRaw(best)
	}

	tel := latest.Telegram
	if tel.Latitude != nil && tel.Longitude != nil {
		pos := &device.Position{
			Latitude:  *tel.Latitude,
			Longitude: *tel.Longitude,
		}
		if t, err := time.Parse(time.RFC3339, tel.TimeDB); err == nil {
			tt := t.UTC()
			pos.FixTime = &tt
		}
		d.Position = pos
	}
}
