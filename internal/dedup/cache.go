// Package dedup decides whether a downloaded artifact is new, a duplicate, or
// belongs to a different month bucket, and moves it into place.
package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/JakeFAU/nfse-harvester/internal/nfse"
)

// DefaultCacheTTL bounds how long hashes, extracted fields and verdicts are
// trusted without re-reading the disk.
const DefaultCacheTTL = 10 * time.Minute

// VerdictKey identifies one duplicate check.
type VerdictKey struct {
	Artifact    string
	Destination string
	Strategy    Reason
}

type fieldsEntry struct {
	fields nfse.Fields
	ok     bool
}

// Cache holds per-file hashes, per-file extracted fields and per-check
// verdicts. Entries are replaced whole and never mutated, so it may be shared
// by every download in a job and across jobs.
type Cache struct {
	hashes   *ttlcache.Cache[string, string]
	fields   *ttlcache.Cache[string, fieldsEntry]
	verdicts *ttlcache.Cache[VerdictKey, Verdict]
}

// NewCache builds a cache whose entries live for ttl (DefaultCacheTTL when <= 0)
// from the moment they are stored. Reads do not extend an entry's life.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		hashes: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		fields: ttlcache.New(
			ttlcache.WithTTL[string, fieldsEntry](ttl),
			ttlcache.WithDisableTouchOnHit[string, fieldsEntry](),
		),
		verdicts: ttlcache.New(
			ttlcache.WithTTL[VerdictKey, Verdict](ttl),
			ttlcache.WithDisableTouchOnHit[VerdictKey, Verdict](),
		),
	}
}

// Start runs the background expiry loops. It returns immediately.
func (c *Cache) Start() {
	go c.hashes.Start()
	go c.fields.Start()
	go c.verdicts.Start()
}

// Stop halts the expiry loops started by Start.
func (c *Cache) Stop() {
	c.hashes.Stop()
	c.fields.Stop()
	c.verdicts.Stop()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.hashes.DeleteAll()
	c.fields.DeleteAll()
	c.verdicts.DeleteAll()
}

// Hash returns the cached digest for path or computes and stores it.
func (c *Cache) Hash(path string, compute func(string) (string, error)) (string, error) {
	if item := c.hashes.Get(path); item != nil {
		return item.Value(), nil
	}
	sum, err := compute(path)
	if err != nil {
		return "", err
	}
	c.hashes.Set(path, sum, ttlcache.DefaultTTL)
	return sum, nil
}

// Fields returns the cached fields for path or extracts them. ok is false for
// files that are not recognizable NFS-e documents; that outcome is cached too.
func (c *Cache) Fields(path string, extract func(string) (nfse.Fields, error)) (nfse.Fields, bool) {
	if item := c.fields.Get(path); item != nil {
		entry := item.Value()
		return entry.fields, entry.ok
	}
	fields, err := extract(path)
	entry := fieldsEntry{fields: fields, ok: err == nil}
	c.fields.Set(path, entry, ttlcache.DefaultTTL)
	return entry.fields, entry.ok
}

// Prime records already-known values for path, typically right after a move.
func (c *Cache) Prime(path, hash string, fields nfse.Fields, fieldsOK bool) {
	if hash != "" {
		c.hashes.Set(path, hash, ttlcache.DefaultTTL)
	}
	c.fields.Set(path, fieldsEntry{fields: fields, ok: fieldsOK}, ttlcache.DefaultTTL)
}

// Verdict looks up a previous check.
func (c *Cache) Verdict(key VerdictKey) (Verdict, bool) {
	item := c.verdicts.Get(key)
	if item == nil {
		return Verdict{}, false
	}
	return item.Value(), true
}

// StoreVerdict records the outcome of a check.
func (c *Cache) StoreVerdict(key VerdictKey, v Verdict) {
	c.verdicts.Set(key, v, ttlcache.DefaultTTL)
}

// Forget drops every verdict for artifact once it has been resolved.
func (c *Cache) Forget(artifact string) {
	for _, key := range c.verdicts.Keys() {
		if key.Artifact == artifact {
			c.verdicts.Delete(key)
		}
	}
}

// Len reports the number of cached verdicts.
func (c *Cache) Len() int {
	return c.verdicts.Len()
}

// ArtifactIdentity is abs path, size and mtime. A new file written to the
// same staging path yields a new identity.
func ArtifactIdentity(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano()), nil
}
