// Package pettracer talks to the PetTracer portal.
//
// It covers the three surfaces the portal exposes: the REST API
// (login, device lists, FIFO queries, control commands), the
// SockJS/STOMP realtime stream of device deltas, and the bearer-token
// authentication both of them share. Decoded deltas are remapped from
// the portal's short wire keys into canonical device fields, merged
// into the device cache, and fanned out to subscribers through the
// dispatcher.
package pettracer
