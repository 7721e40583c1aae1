// Package bridge orchestrates the PetTracer vendor cloud against the
// local MQTT broker.
//
// On start it seeds the device cache from the portal REST API, then
// keeps it current through the realtime websocket session, with a slow
// REST poll as a fallback for deltas lost during reconnects. Every
// merged change is republished twice: the full device state on a
// retained topic, and the changed fields on an event topic.
package bridge
