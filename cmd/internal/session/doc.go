// Package session implements the device-connection and real-time stream lifecycle.
//
// A Controller owns one slot per Transport. Each slot moves through
// Idle -> Scanning (radio only) -> Connected -> Streaming and back, and holds at most
// one live Session. Capability providers (BLE radio, companion wearable) sit behind the
// Provider interface; the controller never talks to hardware directly.
//
// Delivery contract:
//   - Providers deliver SensorUpdates from their own goroutines.
//   - The controller forwards an update only while its stream is active and hands the
//     handler call to an Executor (inline by default).
//   - StopStream/Disconnect deactivate the stream before touching the provider, so
//     updates that race with cancellation are dropped, never forwarded.
package session
