// Package events defines the typed lifecycle events the kernel's event
// bus carries: job completion/failure, pilot start/expiry, file
// operation outcomes, timers, and custom payloads.
//
// There are two delivery paths. The authoritative one is the controller's
// own commport mailbox: services put events there directly, so each
// controller observes events in enqueue order and a submitted job yields
// exactly one terminal event. The second path is the Broker, a fan-out
// side tap for observers outside the simulation's causal order (the
// pkg/trace websocket exporter, test harnesses); it may drop events on a
// slow subscriber and guarantees nothing about ordering across
// subscribers.
package events
