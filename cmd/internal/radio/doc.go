// Package radio is the ShortRangeRadio capability provider.
//
// It speaks only the public Heart Rate Service (0x180D) over tinygo.org/x/bluetooth:
// scan for a peripheral advertising the service, connect, subscribe to the Heart Rate
// Measurement characteristic (0x2A37) and turn each notification into SensorUpdates.
package radio
