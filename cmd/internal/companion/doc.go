// Package companion is the CompanionWearable capability provider.
//
// The wearable's companion app dials GET /companion (subprotocol biostream.companion.v1),
// announces itself with companion.hello and then receives stream.start / stream.stop
// commands while pushing sensor.update envelopes. The Bridge is both the websocket
// endpoint and the session.Provider the controller drives.
package companion
