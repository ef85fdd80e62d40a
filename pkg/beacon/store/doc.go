// Package store provides durable storage for analytics events awaiting
// delivery, together with the identity and session bookkeeping that goes
// with them.
//
// A Store is opened once per process over a Backend:
//
//	backend, err := store.NewFileBackend("/var/lib/app/beacon.json")
//	if err != nil {
//	    return err
//	}
//	s, err := store.Open(backend, "1.4.0", "140")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
// Every mutation rewrites the whole record through the backend, atomically.
// Pending events therefore survive a crash at any point, and event ids are
// never reused for an event that was persisted.
//
// # Backends
//
//   - FileBackend: one JSON file, replaced via temp file + fsync + rename
//   - SQLiteBackend: one row in a SQLite database (WAL mode)
//   - MemoryBackend: process memory, for tests
package store
