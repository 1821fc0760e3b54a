package wire

// ConnID is the per-connection UUID the server mints during the
// Transport handshake (spec.md §4.7). It shares ShuffleID's shape
// because both are opaque 16-byte identifiers, but the two are never
// interchangeable: one names a shuffle, the other names a socket.
type ConnID = ShuffleID
