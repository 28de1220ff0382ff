// Package mqtt bridges grow-chamber sensor controllers to the daemon.
// Chambers publish readings to <prefix>/<chamber>/reading; the bridge
// validates and stores each one, runs the alert evaluator, and pushes
// a live event onto the bus. In the other direction it publishes
// retained daemon status topics so dashboards and controllers can see
// whether fungid is up.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A will message flips the
// availability topic to "offline" on unexpected disconnects; every
// (re-)connect republishes "online" and re-subscribes the reading
// filter. Inbound traffic is rate limited so a misbehaving controller
// cannot flood the store.
package mqtt
