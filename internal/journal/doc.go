// Package journal keeps a SQLite log of circuit pool sessions.
//
// A session row is written when a command starts its pool and completed
// with operation, failure and rotation counts when it finishes. Every
// identity rotation is stored with its circuit, reason and error. Operation
// payloads and results are never stored.
//
// The database uses modernc.org/sqlite, so no cgo is needed.
package journal
