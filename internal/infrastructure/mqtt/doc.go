// Package mqtt connects the bridge to the local broker.
//
// The bridge republishes device state from the vendor cloud onto MQTT
// so home automation consumers never talk to the vendor directly:
//
//	PetTracer cloud <-> bridge <-> MQTT broker <-> consumers
//
// Topic layout (see Topics):
//
//	pettracer/device/{id}/state   retained full device state
//	pettracer/device/{id}/event   changed fields per realtime delta
//	pettracer/device/{id}/set     inbound control commands
//	pettracer/bridge/status       retained online/offline, LWT-backed
//
// The client auto-reconnects with exponential backoff and replays its
// subscriptions after each reconnect. Handlers run on paho goroutines
// with panic isolation.
package mqtt
