// Package tenant manages tenant metadata records. Every queue, session, and
// merge operation is scoped to a tenant through the keyspace prefix.
package tenant

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"

	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
)

// Meta holds tenant metadata.
type Meta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// ErrInvalidName is returned for tenant names outside the accepted charset.
var ErrInvalidName = errors.New("tenant: invalid name")

var nameRe = regexp.MustCompile(`^[a-z0-9-_]{1,64}$`)

var metaPrefix = []byte("tmeta/")

func metaKey(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	k = append(k, name...)
	return k
}

// Ensure creates a tenant meta record if absent, returning the effective meta.
// Idempotent: returns existing if already present.
func Ensure(db *pebblestore.DB, name string) (Meta, error) {
	if !nameRe.MatchString(name) {
		return Meta{}, ErrInvalidName
	}
	key := metaKey(name)
	if b, err := db.Get(key); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// fall through and rewrite if corrupted
	}
	m := Meta{Name: name, CreatedAtMs: time.Now().UnixMilli()}
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, b); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Exists reports whether a tenant record is present.
func Exists(db *pebblestore.DB, name string) (bool, error) {
	return db.Has(metaKey(name))
}
