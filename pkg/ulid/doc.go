// Package ulid provides a 26-character, lexicographically sortable
// identifier with an embedded 48-bit millisecond timestamp.
//
// # Format
//
// The first 10 characters encode the timestamp, high-order first, as
// Crockford's Base32 ("0123456789ABCDEFGHJKMNPQRSTVWXYZ"). The remaining 16
// characters encode 80 bits of randomness in the same alphabet. Byte-wise
// (and therefore lexicographic) comparison of two IDs preserves chronological
// order across millisecond boundaries; within a single millisecond the random
// suffix may reorder two IDs, which callers must not rely on.
//
// Usage
//
//	g := ulid.NewGenerator()
//	id := g.Next()        // ID, 26-char string
//	ms := id.Timestamp()  // embedded millisecond timestamp
package ulid
