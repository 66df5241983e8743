// Package auth decides which local devices may connect, and which topics they
// may publish and subscribe to.
//
// Topics follow a fixed convention: '/'-separated segments where the segment at
// index 2 carries the publishing device's client id, e.g. /devices/dev-1/events.
// Publishes that arrive from the upstream link carry no local client id and are
// always allowed. Subscribe authorization is delegated to the upstream endpoint.
package auth
