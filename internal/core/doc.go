// Package core runs exports and imports on behalf of the HTTP server.
//
// It holds no translation logic of its own: the export and importer
// packages do the work. Core adds what a long-running service needs around
// them, independent of the transport:
//
//   - Admission: at most one run per project ([RunGuard]) and a global cap
//     on concurrent runs ([RunLimiter]).
//   - Execution: every run executes in its own goroutine with a timeout,
//     panic recovery and a cancel function ([Service.CancelRun]).
//   - Progress: events are buffered per run and fanned out to subscribers
//     without ever blocking the run ([Service.SubscribeProgress]).
//   - History: a summary of each finished run is saved to the store
//     ([Service.History]); old artifacts are purged by the retention
//     scheduler.
//
// # Flow
//
//  1. Client calls [Service.StartExport] or [Service.StartImport]
//  2. Uploaded inputs are written to storage under the run id
//  3. The engine runs in the background; progress is broadcast
//  4. [Service.RunResult] returns the final result once the run is done
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
package core
