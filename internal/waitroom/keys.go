package waitroom

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes for waitroom data structures
const (
	prefixQueueReg = "qreg/"  // Queue registry (tenant-agnostic scan)
	prefixMergeOp  = "merge/" // Merge operation records
	prefixMergeSrc = "msrc/"  // In-progress merge guard per source queue
)

// queuePrefix returns the base prefix for a queue's session data.
// Format: t/{tenant}/q/{queue}/
func queuePrefix(tenantID, queueID string) string {
	return fmt.Sprintf("t/%s/q/%s/", tenantID, queueID)
}

// QueueKey returns the queue registry key.
// Format: qreg/{tenant}/{queue}
func QueueKey(tenantID, queueID string) []byte {
	return []byte(prefixQueueReg + tenantID + "/" + queueID)
}

// QueueRegPrefix returns the prefix covering every tenant's queue records.
func QueueRegPrefix() []byte {
	return []byte(prefixQueueReg)
}

// TenantQueuePrefix returns the registry prefix for one tenant's queues.
func TenantQueuePrefix(tenantID string) []byte {
	return []byte(prefixQueueReg + tenantID + "/")
}

// SessionKey returns the session record key.
// Format: t/{tenant}/q/{queue}/sess/{id}
func SessionKey(tenantID, queueID, sessionID string) []byte {
	return []byte(queuePrefix(tenantID, queueID) + "sess/" + sessionID)
}

// WaitKey returns the waiting index key for a position.
// Format: t/{tenant}/q/{queue}/wait/{position} with position big-endian so
// iteration order is FIFO order.
func WaitKey(tenantID, queueID string, position uint64) []byte {
	prefix := queuePrefix(tenantID, queueID) + "wait/"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], position)
	return key
}

// WaitPrefix returns the prefix for waiting index scanning.
func WaitPrefix(tenantID, queueID string) []byte {
	return []byte(queuePrefix(tenantID, queueID) + "wait/")
}

// PositionFromWaitKey extracts the position from a waiting index key.
func PositionFromWaitKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// CounterKey returns the per-queue counter key.
// Format: t/{tenant}/q/{queue}/meta with value lastPos (8B) | waiting (4B) |
// active (4B).
func CounterKey(tenantID, queueID string) []byte {
	return []byte(queuePrefix(tenantID, queueID) + "meta")
}

// MergeOpKey returns the merge operation record key.
// Format: merge/{tenant}/{operation}
func MergeOpKey(tenantID, operationID string) []byte {
	return []byte(prefixMergeOp + tenantID + "/" + operationID)
}

// MergeOpPrefix returns the prefix covering every tenant's merge operations.
func MergeOpPrefix() []byte {
	return []byte(prefixMergeOp)
}

// MergeSrcKey returns the guard key marking a source queue's in-progress
// merge. The value is the operation ID; the key exists only while the
// operation is in progress.
// Format: msrc/{tenant}/{queue}
func MergeSrcKey(tenantID, queueID string) []byte {
	return []byte(prefixMergeSrc + tenantID + "/" + queueID)
}

type counters struct {
	lastPos uint64
	waiting int
	active  int
}

func encodeCounters(c counters) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], c.lastPos)
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.waiting))
	binary.BigEndian.PutUint32(buf[12:16], uint32(c.active))
	return buf
}

func decodeCounters(buf []byte) counters {
	var c counters
	if len(buf) >= 8 {
		c.lastPos = binary.BigEndian.Uint64(buf[0:8])
	}
	if len(buf) >= 12 {
		c.waiting = int(binary.BigEndian.Uint32(buf[8:12]))
	}
	if len(buf) >= 16 {
		c.active = int(binary.BigEndian.Uint32(buf[12:16]))
	}
	return c
}
