// Package cache persists entity metadata and collection items in bbolt
// and reconciles backend pages and push events into it.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	metadataBucket    = []byte("metadata")
	uniqueNamesBucket = []byte("unique_names")
	itemsBucket       = []byte("items")
	accessBucket      = []byte("access")
)

// Cache wraps a bbolt database holding every cached entity.
type Cache struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the cache database at path, creating it and its buckets if
// needed.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metadataBucket, uniqueNamesBucket, itemsBucket, accessBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// txn gives typed access to the buckets inside one bbolt transaction.
type txn struct {
	tx  *bolt.Tx
	now time.Time
}

func (c *Cache) update(fn func(t *txn) error) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx, now: c.now()})
	})
}

func (c *Cache) view(fn func(t *txn) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx, now: c.now()})
	})
}

// itemPrefix is the key prefix shared by all items of a collection.
// Sids never contain a zero byte.
func itemPrefix(sid string) []byte {
	return append([]byte(sid), 0)
}

func itemKey(sid string, id ItemID) []byte {
	return append(itemPrefix(sid), id.encode()...)
}

func normalizeName(name string) []byte {
	return []byte(norm.NFC.String(name))
}

func (t *txn) metadata(sid string) (*Metadata, error) {
	v := t.tx.Bucket(metadataBucket).Get([]byte(sid))
	if v == nil {
		return nil, nil
	}

	md := &Metadata{}
	if err := json.Unmarshal(v, md); err != nil {
		return nil, fmt.Errorf("decoding metadata %s: %w", sid, err)
	}

	return md, nil
}

func (t *txn) sidByUniqueName(name string) string {
	v := t.tx.Bucket(uniqueNamesBucket).Get(normalizeName(name))
	return string(v)
}

func (t *txn) putMetadata(md *Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata %s: %w", md.Sid, err)
	}

	if err := t.tx.Bucket(metadataBucket).Put([]byte(md.Sid), data); err != nil {
		return err
	}

	if md.UniqueName != "" {
		if err := t.tx.Bucket(uniqueNamesBucket).Put(normalizeName(md.UniqueName), []byte(md.Sid)); err != nil {
			return err
		}
	}

	return t.touch(md.Sid)
}

func (t *txn) item(sid string, id ItemID) (*ItemData, error) {
	v := t.tx.Bucket(itemsBucket).Get(itemKey(sid, id))
	if v == nil {
		return nil, nil
	}

	return decodeItem(v)
}

func decodeItem(v []byte) (*ItemData, error) {
	item := &ItemData{}
	if err := json.Unmarshal(v, item); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}

	return item, nil
}

func (t *txn) putItem(item *ItemData) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item %s/%s: %w", item.CollectionSid, item.ID, err)
	}

	return t.tx.Bucket(itemsBucket).Put(itemKey(item.CollectionSid, item.ID), data)
}

// neighbor returns the record next to id in key order within the same
// collection, whether or not id itself is stored.
func (t *txn) neighbor(sid string, id ItemID, order Order) (*ItemData, error) {
	prefix := itemPrefix(sid)
	key := itemKey(sid, id)
	cur := t.tx.Bucket(itemsBucket).Cursor()

	var k, v []byte

	if order == Ascending {
		k, v = cur.Seek(key)
		if k != nil && bytes.Equal(k, key) {
			k, v = cur.Next()
		}
	} else {
		k, v = cur.Seek(key)
		if k == nil {
			k, v = cur.Last()
		}

		for k != nil && bytes.Compare(k, key) >= 0 {
			k, v = cur.Prev()
		}
	}

	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}

	return decodeItem(v)
}

// edge returns the first record of a collection in order direction.
func (t *txn) edge(sid string, order Order) (*ItemData, error) {
	prefix := itemPrefix(sid)
	cur := t.tx.Bucket(itemsBucket).Cursor()

	var k, v []byte

	if order == Ascending {
		k, v = cur.Seek(prefix)
	} else {
		upper := append(itemPrefix(sid)[:len(prefix)-1], 1)

		k, v = cur.Seek(upper)
		if k == nil {
			k, v = cur.Last()
		} else {
			k, v = cur.Prev()
		}
	}

	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}

	return decodeItem(v)
}

func (t *txn) countItems(sid string) int {
	prefix := itemPrefix(sid)
	cur := t.tx.Bucket(itemsBucket).Cursor()
	n := 0

	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		n++
	}

	return n
}

func (t *txn) deleteCollection(sid string) error {
	prefix := itemPrefix(sid)
	cur := t.tx.Bucket(itemsBucket).Cursor()

	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Seek(prefix) {
		if err := cur.Delete(); err != nil {
			return err
		}
	}

	md, err := t.metadata(sid)
	if err != nil {
		return err
	}

	if md != nil && md.UniqueName != "" {
		names := t.tx.Bucket(uniqueNamesBucket)
		if string(names.Get(normalizeName(md.UniqueName))) == sid {
			if err := names.Delete(normalizeName(md.UniqueName)); err != nil {
				return err
			}
		}
	}

	if err := t.tx.Bucket(metadataBucket).Delete([]byte(sid)); err != nil {
		return err
	}

	return t.tx.Bucket(accessBucket).Delete([]byte(sid))
}

// touch records an access for LRU eviction. It is a no-op in read-only
// transactions.
func (t *txn) touch(sid string) error {
	if !t.tx.Writable() {
		return nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.now.UnixNano()))

	return t.tx.Bucket(accessBucket).Put([]byte(sid), buf[:])
}

func (t *txn) lastAccess(sid string) int64 {
	v := t.tx.Bucket(accessBucket).Get([]byte(sid))
	if len(v) != 8 {
		return 0
	}

	return int64(binary.BigEndian.Uint64(v))
}

// GetMetadata returns the cached metadata of an entity.
func (c *Cache) GetMetadata(sid string) (*Metadata, error) {
	var md *Metadata

	err := c.view(func(t *txn) error {
		var err error
		md, err = t.metadata(sid)

		return err
	})

	return md, err
}

// GetMetadataByUniqueName resolves a unique name through the secondary
// index. Names are compared after NFC normalisation.
func (c *Cache) GetMetadataByUniqueName(name string) (*Metadata, error) {
	var md *Metadata

	err := c.view(func(t *txn) error {
		sid := t.sidByUniqueName(name)
		if sid == "" {
			return nil
		}

		var err error
		md, err = t.metadata(sid)

		return err
	})

	return md, err
}

// Collections returns the metadata of every cached entity, sorted by sid.
func (c *Cache) Collections() ([]Metadata, error) {
	var out []Metadata

	err := c.view(func(t *txn) error {
		return t.tx.Bucket(metadataBucket).ForEach(func(_, v []byte) error {
			var md Metadata
			if err := json.Unmarshal(v, &md); err != nil {
				return err
			}

			out = append(out, md)

			return nil
		})
	})

	return out, err
}

// ItemCount returns the number of cached records of a collection,
// tombstones included.
func (c *Cache) ItemCount(sid string) (int, error) {
	n := 0

	err := c.view(func(t *txn) error {
		n = t.countItems(sid)
		return nil
	})

	return n, err
}

// DeleteCollection drops an entity's metadata and all of its items.
func (c *Cache) DeleteCollection(sid string) error {
	return c.update(func(t *txn) error {
		return t.deleteCollection(sid)
	})
}

// Evict drops least recently accessed collections until the total number
// of item records is at most maxItems. It returns the number of
// collections dropped.
func (c *Cache) Evict(maxItems int) (int, error) {
	if maxItems <= 0 {
		return 0, nil
	}

	dropped := 0

	err := c.update(func(t *txn) error {
		type usage struct {
			sid    string
			items  int
			access int64
		}

		var (
			all   []usage
			total int
		)

		err := t.tx.Bucket(metadataBucket).ForEach(func(k, _ []byte) error {
			sid := string(k)
			n := t.countItems(sid)
			total += n
			all = append(all, usage{sid: sid, items: n, access: t.lastAccess(sid)})

			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(all, func(i, j int) bool { return all[i].access < all[j].access })

		for _, u := range all {
			if total <= maxItems {
				break
			}

			if u.items == 0 {
				continue
			}

			if err := t.deleteCollection(u.sid); err != nil {
				return err
			}

			total -= u.items
			dropped++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if dropped > 0 {
		c.logger.Info("evicted collections from cache", slog.Int("collections", dropped), slog.Int("max_items", maxItems))
	}

	return dropped, nil
}
