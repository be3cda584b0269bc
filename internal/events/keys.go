package events

import "encoding/binary"

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - t/{tenant}/events/m
// - t/{tenant}/events/e/{seq_be8}

var (
	tenantPrefix = []byte("t/")
	eventsSeg    = []byte("/events")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyMeta builds the per-tenant log metadata key.
func KeyMeta(tenantID string) []byte {
	k := make([]byte, 0, len(tenantID)+16)
	k = append(k, tenantPrefix...)
	k = append(k, tenantID...)
	k = append(k, eventsSeg...)
	k = append(k, metaSuffix...)
	return k
}

// KeyEntry builds an entry key with a big-endian sequence for ordering.
func KeyEntry(tenantID string, seq uint64) []byte {
	k := make([]byte, 0, len(tenantID)+24)
	k = append(k, tenantPrefix...)
	k = append(k, tenantID...)
	k = append(k, eventsSeg...)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// EntryBounds returns the [low, high) key range covering all entries of a
// tenant's event log.
func EntryBounds(tenantID string) ([]byte, []byte) {
	low := KeyEntry(tenantID, 0)
	hi := KeyEntry(tenantID, ^uint64(0))
	return low, append(hi, 0x00)
}

// SeqFromEntryKey extracts the sequence from an entry key.
func SeqFromEntryKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
