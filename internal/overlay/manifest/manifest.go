// Package manifest implements the Manifest Cache: validator-key rotation
// records keyed by master NodeKey, highest sequence number wins.
//
// The per-key latest-wins accounting is grounded on the teacher's
// internal/app/grants/ledger.go; persistence (bbolt buckets, big-endian
// sequence keys, View/Update closures) is grounded on
// internal/storage/grantsbolt/store.go, repurposed from "grant keyed by
// grant ID, sorted by timestamp" to "manifest keyed by master NodeKey,
// highest sequence wins."
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"p2p-park/internal/overlay/overlaycrypto"
	"p2p-park/internal/overlay/types"
)

// Disposition is the outcome of applying a manifest to the cache.
type Disposition int

const (
	Accepted Disposition = iota
	Untrusted
	Stale
	Invalid
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Untrusted:
		return "untrusted"
	case Stale:
		return "stale"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Manifest is (master key, signing key, sequence, signature) per spec §3.
type Manifest struct {
	Master    types.NodeKey
	Signing   types.NodeKey
	Sequence  uint32
	Signature []byte
	Raw       []byte // the exact bytes that were signed/persisted
}

var ErrConfig = errors.New("manifest: malformed configuration entry")

type entry struct {
	m         Manifest
	trusted   bool
	updatedAt time.Time
}

// Cache is the Manifest Cache. Concurrent applies are serialized by the
// Cache's single mutex (across all master keys); contention is expected
// to be light.
type Cache struct {
	verifier overlaycrypto.Verifier

	mu      sync.Mutex
	entries map[types.NodeKey]*entry

	db *bolt.DB
}

const bucketManifests = "manifests"

// New creates an empty, unpersisted Cache.
func New(verifier overlaycrypto.Verifier) *Cache {
	return &Cache{
		verifier: verifier,
		entries:  make(map[types.NodeKey]*entry),
	}
}

// ApplyManifest validates m's signature over its own signing key against
// the trusted validators set, compares sequence numbers against whatever
// is currently cached for m.Master, and updates the trusted-key view.
func (c *Cache) ApplyManifest(m Manifest, validators map[types.NodeKey]bool) Disposition {
	if len(m.Signature) == 0 || m.Master.IsZero() || m.Signing.IsZero() {
		return Invalid
	}
	if c.verifier != nil {
		signed := signedBytes(m)
		if !c.verifier.Verify(signed, m.Signature, m.Master[:]) {
			return Invalid
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries[m.Master]
	if ok && m.Sequence <= cur.m.Sequence {
		return Stale
	}

	trusted := validators == nil || validators[m.Master]
	c.entries[m.Master] = &entry{m: m, trusted: trusted, updatedAt: time.Now()}

	if !trusted {
		return Untrusted
	}
	return Accepted
}

// signedBytes is the canonical byte string a manifest's signature covers:
// raw bytes if present (round-trips exactly through persistence),
// otherwise a deterministic encoding of the fields.
func signedBytes(m Manifest) []byte {
	if len(m.Raw) > 0 {
		return m.Raw
	}
	b := make([]byte, 0, 33+33+4)
	b = append(b, m.Master[:]...)
	b = append(b, m.Signing[:]...)
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], m.Sequence)
	return append(b, seq[:]...)
}

// ConfigManifest seeds the cache from a configured manifest at startup. It
// runs the same signature check and sequence comparison as ApplyManifest
// (so it reports Stale if an equal or higher sequence is already cached)
// and treats the manifest's master key as trusted.
func (c *Cache) ConfigManifest(m Manifest) Disposition {
	return c.ApplyManifest(m, nil)
}

// ConfiguredValidator is one entry of a validator_keys configuration
// section.
type ConfiguredValidator struct {
	NodeKey string
	Comment string
}

// LoadValidatorKeys bulk-loads a validator_keys configuration section.
// Malformed entries are a fatal ConfigError per spec §7 ("Configuration:
// fatal at startup").
func LoadValidatorKeys(section []ConfiguredValidator) (map[types.NodeKey]bool, error) {
	out := make(map[types.NodeKey]bool, len(section))
	for _, v := range section {
		key, err := types.ParseNodeKey(v.NodeKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		out[key] = true
	}
	return out, nil
}

// Current returns the manifest currently trusted for master, if any.
func (c *Cache) Current(master types.NodeKey) (Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[master]
	if !ok {
		return Manifest{}, false
	}
	return e.m, true
}

// OpenDB opens (or creates) the bbolt database backing Load/Save, mirroring
// grantsbolt.Open's directory-creation and bucket-priming idiom.
func OpenDB(path string) (*bolt.DB, error) {
	if path == "" {
		return nil, errors.New("manifest: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketManifests))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Load read-through's every persisted row into the cache, re-applying
// each one. Rows hold the JSON encoding of a Manifest (as written by
// Save), not raw manifest bytes; rows that fail to decode are skipped.
func (c *Cache) Load(db *bolt.DB, validators map[types.NodeKey]bool) error {
	c.db = db
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifests))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				// Corruption: keep going, don't brick startup.
				return nil
			}
			c.ApplyManifest(m, validators)
			return nil
		})
	})
}

// Save write-throughs m as its JSON encoding, keyed by master key plus
// big-endian sequence number. Saving the same manifest twice rewrites one
// row; the key is not derived from the raw bytes, so two different
// manifests with the same master and sequence share (and overwrite) a row.
func (c *Cache) Save(db *bolt.DB, m Manifest) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifests))
		if b == nil {
			return errors.New("manifest: bucket not initialized")
		}
		return b.Put(manifestKey(m), val)
	})
}

func manifestKey(m Manifest) []byte {
	key := make([]byte, len(m.Master)+4)
	copy(key, m.Master[:])
	binary.BigEndian.PutUint32(key[len(m.Master):], m.Sequence)
	return key
}
