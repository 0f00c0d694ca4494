// Package media implements the local MediaSource: it opens capture streams
// through a Driver, exposes them as pion sample tracks that can be muted
// without closing the device, and enforces that a camera or microphone is
// held by at most one session at a time.
package media
