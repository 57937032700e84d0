// Package monitor observes and optionally restricts the file and process
// activity of a launched operation.
//
// The controller side (Controller, Session) lives in the build process. It
// listens on a per-session Unix socket and starts every operation under a
// helper process, `forgegrid __monitor`, which installs an Interceptor
// before the operation's first instruction runs. On linux/amd64 the
// interceptor is a ptrace tracer that follows the whole process tree; other
// platforms fall back to a pass-through interceptor that only reports the
// top-level process.
//
// Every intercepted call is decided locally by the helper against the
// session Policy and then reported over the socket as a msgpack frame. The
// reporter keeps unacknowledged events and resends them after a reconnect,
// so delivery is at-least-once; the controller drops duplicates by
// (pid, kind, path, timestamp). When the controller cannot be reached the
// helper fails closed in enforcing mode and fails open in advisory mode.
package monitor
