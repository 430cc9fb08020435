// Package store provides persistent storage for laraclaw using SQLite.
//
// # Architecture
//
// A single Store interface covers every persisted entity:
//
//   - Users: identities provisioned outside the core
//   - Conversations and the append-only message log
//   - ChannelBindings: (gateway, channel_id) -> user/conversation
//   - MemoryFragments and their embedding vectors
//   - TokenUsage: one ledger row per agent exchange
//
// SQLiteStore implements it against modernc.org/sqlite (driver "sqlite") by
// default or mattn/go-sqlite3 (driver "sqlite3") when built with cgo.
// MockStore implements it in memory for unit tests.
//
// # Consistency
//
// Bindings are written with a single INSERT ... ON CONFLICT upsert so concurrent
// deliveries for the same channel never create duplicate rows. The assistant
// message and its usage row are committed together by SaveExchange. Messages
// carry a store-assigned Seq that defines log order.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrBindingNotFound: no binding for (gateway, channel_id)
//   - ErrDuplicateUser: user ID already taken
//   - ErrInvalidRole: message role outside user/assistant/system/tool
//
// # Testing
//
//	s := store.NewMockStore()
//
// or NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for the real engine.
package store
