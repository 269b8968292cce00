package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"biostream/cmd/internal/session"
)

const defaultDeviceName = "Heart Rate Sensor"

var (
	hrService     = bluetooth.New16BitUUID(0x180D)
	hrMeasurement = bluetooth.New16BitUUID(0x2A37)
)

// ErrDeviceNotFound is returned when no heart rate peripheral answered within the scan window.
var ErrDeviceNotFound = errors.New("no heart rate sensor found")

// Provider implements session.Provider for BLE heart rate sensors.
type Provider struct {
	log     *slog.Logger
	cfg     Config
	adapter *bluetooth.Adapter
	now     func() time.Time

	enableOnce sync.Once
	enableErr  error

	mu        sync.Mutex
	connected bool
	device    bluetooth.Device
	char      bluetooth.DeviceCharacteristic
	desc      session.DeviceDescriptor
	streaming bool
	types     session.DataTypeSet
	onUpdate  session.UpdateFunc
	listener  func(session.ConnectionState)
}

// New constructs a Provider on adapter (bluetooth.DefaultAdapter when nil).
// The adapter is enabled lazily on the first Connect.
func New(log *slog.Logger, cfg Config, adapter *bluetooth.Adapter) *Provider {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultConfig().ScanWindow
	}
	return &Provider{
		log:     log,
		cfg:     cfg,
		adapter: adapter,
		now:     time.Now,
	}
}

func (p *Provider) Transport() session.Transport { return session.ShortRangeRadio }

// Connect scans for a heart rate peripheral and connects to the first match.
func (p *Provider) Connect(ctx context.Context) (session.DeviceDescriptor, error) {
	if !p.cfg.Enabled {
		return session.DeviceDescriptor{}, &session.UnsupportedFeatureError{
			Transport: session.ShortRangeRadio,
			Reason:    "radio disabled",
		}
	}
	if err := p.enable(); err != nil {
		return session.DeviceDescriptor{}, &session.UnsupportedFeatureError{
			Transport: session.ShortRangeRadio,
			Reason:    "bluetooth adapter unavailable: " + err.Error(),
		}
	}

	p.mu.Lock()
	if p.connected {
		d := p.desc
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	found, err := p.scan(ctx)
	if err != nil {
		return session.DeviceDescriptor{}, err
	}

	addr := found.Address.String()
	p.log.Info("radio.scan.found", "addr", addr, "name", found.LocalName(), "rssi", found.RSSI)

	dev, err := p.adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return session.DeviceDescriptor{}, fmt.Errorf("connect %s: %w", addr, err)
	}

	char, err := measurementCharacteristic(&dev)
	if err != nil {
		_ = dev.Disconnect()
		return session.DeviceDescriptor{}, err
	}

	if err := ctx.Err(); err != nil {
		_ = dev.Disconnect()
		return session.DeviceDescriptor{}, err
	}

	name := strings.TrimSpace(found.LocalName())
	if name == "" {
		name = defaultDeviceName
	}
	desc := session.DeviceDescriptor{ID: addr, Name: name, Transport: session.ShortRangeRadio}

	p.mu.Lock()
	p.connected = true
	p.device = dev
	p.char = char
	p.desc = desc
	p.mu.Unlock()

	p.log.Info("radio.connect.ok", "addr", addr, "name", name)
	return desc, nil
}

// StartStream subscribes to heart rate notifications. The token authorizes the
// upstream side and is not used by the sensor link.
func (p *Provider) StartStream(ctx context.Context, types session.DataTypeSet, _ string, onUpdate session.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return session.ErrNotConnected
	}
	wasStreaming := p.streaming
	p.streaming = true
	p.types = types
	p.onUpdate = onUpdate
	char := p.char
	p.mu.Unlock()

	if wasStreaming {
		return nil
	}

	if err := char.EnableNotifications(p.handleNotification); err != nil {
		p.mu.Lock()
		p.streaming = false
		p.onUpdate = nil
		p.mu.Unlock()
		return fmt.Errorf("enable notifications: %w", err)
	}
	return nil
}

// StopStream disables notifications. It is a no-op when not streaming.
func (p *Provider) StopStream() error {
	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return nil
	}
	p.streaming = false
	p.onUpdate = nil
	connected := p.connected
	char := p.char
	p.mu.Unlock()

	if !connected {
		return nil
	}
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications: %w", err)
	}
	return nil
}

// Disconnect drops the peripheral. The resulting link event is not reported to the listener.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	dev := p.device
	addr := p.desc.ID
	p.resetLocked()
	p.mu.Unlock()

	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", addr, err)
	}
	p.log.Info("radio.disconnect.ok", "addr", addr)
	return nil
}

func (p *Provider) CurrentDevice() (session.DeviceDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc, p.connected
}

func (p *Provider) SetConnectionStateListener(fn func(session.ConnectionState)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
}

func (p *Provider) enable() error {
	p.enableOnce.Do(func() {
		p.enableErr = p.adapter.Enable()
		if p.enableErr == nil {
			p.adapter.SetConnectHandler(p.onConnectEvent)
		}
	})
	return p.enableErr
}

func (p *Provider) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ScanWindow)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	done := make(chan error, 1)

	p.log.Info("radio.scan.start", "window", p.cfg.ScanWindow.String(), "name_prefix", p.cfg.NamePrefix)
	go func() {
		done <- p.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !r.HasServiceUUID(hrService) || !p.matchName(r.LocalName()) {
				return
			}
			select {
			case found <- r:
				_ = a.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-found:
		<-done
		return r, nil
	case err := <-done:
		select {
		case r := <-found:
			return r, nil
		default:
		}
		if err != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
		}
		return bluetooth.ScanResult{}, ErrDeviceNotFound
	case <-ctx.Done():
		_ = p.adapter.StopScan()
		<-done
		select {
		case r := <-found:
			return r, nil
		default:
		}
		if err := parent.Err(); err != nil {
			return bluetooth.ScanResult{}, err
		}
		return bluetooth.ScanResult{}, fmt.Errorf("%w within %s", ErrDeviceNotFound, p.cfg.ScanWindow)
	}
}

func (p *Provider) matchName(name string) bool {
	if p.cfg.NamePrefix == "" {
		return true
	}
	return strings.HasPrefix(name, p.cfg.NamePrefix)
}

func (p *Provider) onConnectEvent(d bluetooth.Device, connected bool) {
	if connected {
		return
	}

	p.mu.Lock()
	if !p.connected || d.Address != p.device.Address {
		p.mu.Unlock()
		return
	}
	addr := p.desc.ID
	p.resetLocked()
	fn := p.listener
	p.mu.Unlock()

	p.log.Info("radio.link.lost", "addr", addr)
	if fn != nil {
		fn(session.ConnectionLost)
	}
}

func (p *Provider) handleNotification(buf []byte) {
	var m Measurement
	if err := m.UnmarshalBinary(buf); err != nil {
		p.log.Debug("radio.frame.invalid", "err", err, "len", len(buf))
		return
	}

	p.mu.Lock()
	fn := p.onUpdate
	types := p.types
	id := p.desc.ID
	streaming := p.streaming
	p.mu.Unlock()

	if !streaming || fn == nil {
		return
	}
	for _, u := range Readings(m, types, id, p.now()) {
		fn(u)
	}
}

func (p *Provider) resetLocked() {
	p.connected = false
	p.streaming = false
	p.onUpdate = nil
	p.types = session.DataTypeSet{}
	p.device = bluetooth.Device{}
	p.char = bluetooth.DeviceCharacteristic{}
	p.desc = session.DeviceDescriptor{}
}

func measurementCharacteristic(dev *bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	services, err := dev.DiscoverServices([]bluetooth.UUID{hrService})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover heart rate service: %w", err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{hrMeasurement})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover heart rate measurement: %w", err)
		}
		if len(chars) > 0 {
			return chars[0], nil
		}
	}
	return bluetooth.DeviceCharacteristic{}, errors.New("heart rate measurement characteristic not found")
}
