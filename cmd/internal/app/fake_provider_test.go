package app

import (
	"context"
	"sync"

	"biostream/cmd/internal/session"
)

type fakeProvider struct {
	transport session.Transport

	mu         sync.Mutex
	connectErr error
	connected  bool
	streaming  bool
	lastToken  string
	onUpdate   session.UpdateFunc
}

func newFakeProvider(t session.Transport) *fakeProvider {
	return &fakeProvider{transport: t}
}

func (p *fakeProvider) Transport() session.Transport { return p.transport }

func (p *fakeProvider) Connect(_ context.Context) (session.DeviceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return session.DeviceDescriptor{}, p.connectErr
	}
	p.connected = true
	return session.DeviceDescriptor{ID: "dev-1", Name: "Fake Strap", Transport: p.transport}, nil
}

func (p *fakeProvider) StartStream(_ context.Context, _ session.DataTypeSet, tok string, onUpdate session.UpdateFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = true
	p.lastToken = tok
	p.onUpdate = onUpdate
	return nil
}

func (p *fakeProvider) StopStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = false
	p.onUpdate = nil
	return nil
}

func (p *fakeProvider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.streaming = false
	p.onUpdate = nil
	return nil
}

func (p *fakeProvider) CurrentDevice() (session.DeviceDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return session.DeviceDescriptor{}, false
	}
	return session.DeviceDescriptor{ID: "dev-1", Name: "Fake Strap", Transport: p.transport}, true
}

func (p *fakeProvider) SetConnectionStateListener(func(session.ConnectionState)) {}

func (p *fakeProvider) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastToken
}

func (p *fakeProvider) emit(u session.SensorUpdate) {
	p.mu.Lock()
	fn := p.onUpdate
	p.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}
