// Package ptyterm owns the shell processes behind browser terminals.
//
// Each [Session] is a shell started under a pseudo-terminal with
// github.com/creack/pty. The [Registry] creates, writes to, resizes and
// destroys sessions by id. It never blocks on one session while serving
// another: every session has its own output relay goroutine and exit waiter.
//
// # Core Components
//
//   - [Registry]: id → session map with Create/Write/Resize/Destroy/CloseAll.
//   - [Session]: one PTY-backed shell plus metadata and an output
//     subscription list.
//   - [ScrollbackBuffer]: bounded byte buffer replayed when a session is
//     recovered by a new connection.
//   - [SessionRecording]: optional timestamped I/O capture in asciicast v2
//     format, written when the session ends.
//
// # Session Lifecycle
//
//  1. [Registry.Create] resolves the working directory, validates the shell
//     and spawns it. Output is relayed to the scrollback, the recording and
//     every subscriber.
//
//  2. Subscribers come and go through [Session.Subscribe]; the returned
//     cancel func unsubscribes. Output produced with no subscriber is still
//     kept in the scrollback.
//
//  3. When the process exits (on its own or after [Registry.Destroy]) the
//     registry's exit callback fires exactly once and the session is removed.
//
// # Security
//
//   - Shell whitelist: only shells in [AllowedShells] may be started.
//   - Input size limit: [MaxInputMessageSize] (64 KB) per write.
//   - Terminal dimensions are clamped to [MaxCols] x [MaxRows].
//
// # Log Prefixes
//
// Registry and session operations log at the [ptyterm] prefix.
package ptyterm
