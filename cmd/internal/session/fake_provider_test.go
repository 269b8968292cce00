package session

import (
	"context"
	"sync"
)

// fakeProvider is an in-memory Provider. It keeps every registered update callback so
// tests can emulate an SDK that keeps delivering on a superseded subscription.
type fakeProvider struct {
	transport Transport

	mu          sync.Mutex
	device      DeviceDescriptor
	connectErr  error
	startErr    error
	connectGate chan struct{}
	connected   bool
	streaming   bool
	lastTypes   DataTypeSet
	lastToken   string
	callbacks   []UpdateFunc
	listener    func(ConnectionState)

	connectCalls    int
	startCalls      int
	stopCalls       int
	disconnectCalls int
}

func newFakeProvider(t Transport) *fakeProvider {
	return &fakeProvider{
		transport: t,
		device:    DeviceDescriptor{ID: "dev-" + t.String(), Name: "fake " + t.String(), Transport: t},
	}
}

func (p *fakeProvider) Transport() Transport { return p.transport }

func (p *fakeProvider) Connect(ctx context.Context) (DeviceDescriptor, error) {
	p.mu.Lock()
	p.connectCalls++
	gate := p.connectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return DeviceDescriptor{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return DeviceDescriptor{}, p.connectErr
	}
	p.connected = true
	return p.device, nil
}

func (p *fakeProvider) StartStream(_ context.Context, types DataTypeSet, tok string, onUpdate UpdateFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	if p.startErr != nil {
		return p.startErr
	}
	p.streaming = true
	p.lastTypes = types
	p.lastToken = tok
	p.callbacks = append(p.callbacks, onUpdate)
	return nil
}

func (p *fakeProvider) StopStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	p.streaming = false
	return nil
}

func (p *fakeProvider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCalls++
	p.connected = false
	p.streaming = false
	return nil
}

func (p *fakeProvider) CurrentDevice() (DeviceDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device, p.connected
}

func (p *fakeProvider) SetConnectionStateListener(fn func(ConnectionState)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
}

// emit delivers u on the i-th registered callback (0 is the oldest).
func (p *fakeProvider) emit(i int, u SensorUpdate) {
	p.mu.Lock()
	cb := p.callbacks[i]
	p.mu.Unlock()
	cb(u)
}

func (p *fakeProvider) fireConnectionState(cs ConnectionState) {
	p.mu.Lock()
	fn := p.listener
	p.mu.Unlock()
	if fn != nil {
		fn(cs)
	}
}

func (p *fakeProvider) counts() (connect, start, stop, disconnect int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls, p.startCalls, p.stopCalls, p.disconnectCalls
}
