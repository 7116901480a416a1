// Package memory keeps a vector index synchronized with a message
// history across two session modes.
//
// Every committed message is embedded and appended to both a
// HistoryStore and an Index; retrieval embeds the incoming query and
// maps nearest-neighbour positions back to messages. Index position i
// always refers to history position i. That positional alignment is the
// package's one hard invariant: every mutation either preserves it or
// fails before touching state.
//
// Architecture:
//   - Index: positional nearest-neighbour search (chromem-go backed)
//   - HistoryStore: ordered per-session message log
//   - VolatileHistory: bounded RAM ring; eviction shifts positions, so
//     the engine rebuilds the index afterwards
//   - StoredHistory: write-through onto a durable Store
//   - Store: session, message and embedding records (sqlite backend)
//   - Engine: runs embed, append, index per message and assembles
//     retrieval context per query
//
// Sessions: a non-empty id selects a persistent session backed by the
// configured Store; an empty id selects the engine's volatile session,
// a capped RAM-only buffer identified by an ephemeral token.
package memory
