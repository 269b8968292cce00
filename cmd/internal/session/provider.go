package session

import "context"

// UpdateFunc receives readings from a provider. Providers call it from their own goroutines.
type UpdateFunc func(SensorUpdate)

// Provider is the capability surface of one transport (the streaming SDK).
//
// Implementations must be safe for concurrent use. SetConnectionStateListener reports
// connection changes the controller did not initiate and must never be invoked
// synchronously from inside another Provider method.
type Provider interface {
	Transport() Transport
	Connect(ctx context.Context) (DeviceDescriptor, error)
	StartStream(ctx context.Context, types DataTypeSet, token string, onUpdate UpdateFunc) error
	StopStream() error
	Disconnect() error
	CurrentDevice() (DeviceDescriptor, bool)
	SetConnectionStateListener(fn func(ConnectionState))
}
