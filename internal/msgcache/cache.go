// Package msgcache implements the process-wide, refcounted mapping from
// (backing-folder, source-uid) pairs to MessageInfoData described in
// §4.D: one cached record per live message, looked up either by its
// owning subfolder and source uid or directly by its synthetic virtual
// uid (vuid). Modeled on the teacher's internal/imap Pool's
// mutex-guarded map of pooled resources, applied to camel-db.c's
// dedup/refcount discipline instead of connection pooling.
package msgcache

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/hkdb/pimcore/internal/logging"
	"github.com/rs/zerolog"
)

// SubfolderData is the per-backing-folder link a cache entry belongs to.
// Its lifetime spans every MessageInfoData cached under it; AddSubfolder
// and RemoveSubfolder maintain its own refcount independent of any single
// message's.
type SubfolderData struct {
	Identity string
	refcount int
}

// MessageInfoData is the cache's unit of storage: one (subfolder,
// source-uid) pair and the vuid derived from it, refcounted across every
// virtual folder that currently references it (I8).
type MessageInfoData struct {
	Subfolder *SubfolderData
	SourceUID string
	Vuid      string

	mu       sync.Mutex
	refcount int
}

// Ref increments the record's refcount and returns the new value.
func (m *MessageInfoData) Ref() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refcount++
	return m.refcount
}

// Unref decrements the record's refcount and returns the new value; it
// never goes below zero.
func (m *MessageInfoData) Unref() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refcount > 0 {
		m.refcount--
	}
	return m.refcount
}

// Refcount reports the record's current refcount.
func (m *MessageInfoData) Refcount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcount
}

type subfolderUID struct {
	subfolder string
	uid       string
}

// Cache is the process-wide data cache of §3.1/§4.D. The zero value is
// not usable; construct with New.
type Cache struct {
	mu sync.RWMutex

	bySubfolderUID map[subfolderUID]*MessageInfoData
	byVuid         map[string]*MessageInfoData

	subfolders     map[string]*SubfolderData
	hashToIdentity map[string]string

	log zerolog.Logger
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		bySubfolderUID: make(map[subfolderUID]*MessageInfoData),
		byVuid:         make(map[string]*MessageInfoData),
		subfolders:     make(map[string]*SubfolderData),
		hashToIdentity: make(map[string]string),
		log:            logging.WithComponent("msgcache"),
	}
}

// subfolderHash returns the 8-hex-char lowercase prefix I1 requires: the
// lowercase hex of a 32-bit hash of the subfolder's identity string.
func subfolderHash(identity string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(identity)))
}

// BuildVuid derives the virtual uid for (subfolderIdentity, sourceUID)
// without touching the cache, for callers that need the string without a
// full Get (e.g. the vfolder engine matching expression results).
func BuildVuid(subfolderIdentity, sourceUID string) string {
	return subfolderHash(subfolderIdentity) + sourceUID
}

// AddSubfolder registers subfolderIdentity, or increments its usage
// count if already registered. Must be called before Get is used with
// that identity.
func (c *Cache) AddSubfolder(identity string) *SubfolderData {
	c.mu.Lock()
	defer c.mu.Unlock()

	sf, ok := c.subfolders[identity]
	if !ok {
		sf = &SubfolderData{Identity: identity, refcount: 0}
		c.subfolders[identity] = sf
		c.hashToIdentity[subfolderHash(identity)] = identity
	}
	sf.refcount++
	return sf
}

// RemoveSubfolder decrements subfolderIdentity's usage count, removing it
// (and its hash-recovery entry) once the count reaches zero. Any cached
// MessageInfoData still referencing it is left in place — callers are
// expected to have released those first (I8).
func (c *Cache) RemoveSubfolder(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sf, ok := c.subfolders[identity]
	if !ok {
		return
	}
	sf.refcount--
	if sf.refcount <= 0 {
		delete(c.subfolders, identity)
		delete(c.hashToIdentity, subfolderHash(identity))
	}
}

// Get returns the cached record for (subfolderIdentity, sourceUID),
// inserting a new one with refcount 0 if absent (I2: at most one live
// record per pair). Get never takes a reference on the caller's behalf —
// every caller that means to hold the record must call Ref() itself, so
// that N holders calling Ref() once each are always undone by N Unref()
// calls, regardless of which caller happened to trigger the insert.
func (c *Cache) Get(subfolderIdentity, sourceUID string) *MessageInfoData {
	key := subfolderUID{subfolder: subfolderIdentity, uid: sourceUID}

	c.mu.RLock()
	if mi, ok := c.bySubfolderUID[key]; ok {
		c.mu.RUnlock()
		return mi
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if mi, ok := c.bySubfolderUID[key]; ok {
		return mi
	}

	sf, ok := c.subfolders[subfolderIdentity]
	if !ok {
		sf = &SubfolderData{Identity: subfolderIdentity}
		c.subfolders[subfolderIdentity] = sf
		c.hashToIdentity[subfolderHash(subfolderIdentity)] = subfolderIdentity
	}

	mi := &MessageInfoData{
		Subfolder: sf,
		SourceUID: sourceUID,
		Vuid:      subfolderHash(subfolderIdentity) + sourceUID,
	}
	c.bySubfolderUID[key] = mi
	c.byVuid[mi.Vuid] = mi
	return mi
}

// GetByVuid looks up a cached record directly by vuid, without inserting.
func (c *Cache) GetByVuid(vuid string) (*MessageInfoData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mi, ok := c.byVuid[vuid]
	return mi, ok
}

// Contains reports whether (subfolderIdentity, sourceUID) has a cached
// record.
func (c *Cache) Contains(subfolderIdentity, sourceUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bySubfolderUID[subfolderUID{subfolder: subfolderIdentity, uid: sourceUID}]
	return ok
}

// Remove evicts mi from both lookup paths. Per §4.D, this is the cache's
// own operation: callers initiate release by dropping their reference
// (Unref), not by calling Remove directly once usage hits zero elsewhere.
func (c *Cache) Remove(mi *MessageInfoData) {
	if mi == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bySubfolderUID, subfolderUID{subfolder: mi.Subfolder.Identity, uid: mi.SourceUID})
	delete(c.byVuid, mi.Vuid)
}

// ForeachMessageInfoData invokes visit once per record currently cached
// under subfolderIdentity, over a stable snapshot taken under the read
// lock so visit may take arbitrarily long without blocking other cache
// operations.
func (c *Cache) ForeachMessageInfoData(subfolderIdentity string, visit func(*MessageInfoData)) {
	c.mu.RLock()
	snapshot := make([]*MessageInfoData, 0, len(c.bySubfolderUID))
	for key, mi := range c.bySubfolderUID {
		if key.subfolder == subfolderIdentity {
			snapshot = append(snapshot, mi)
		}
	}
	c.mu.RUnlock()

	for _, mi := range snapshot {
		visit(mi)
	}
}

// ForeachAll invokes visit once per record in the entire cache, over a
// stable snapshot taken under the read lock, rather than one subfolder's
// records.
func (c *Cache) ForeachAll(visit func(*MessageInfoData)) {
	c.mu.RLock()
	snapshot := make([]*MessageInfoData, 0, len(c.byVuid))
	for _, mi := range c.byVuid {
		snapshot = append(snapshot, mi)
	}
	c.mu.RUnlock()

	for _, mi := range snapshot {
		visit(mi)
	}
}

// ResolveVuid recovers the (subfolder identity, source uid) pair for a
// vuid produced by this cache, provided the owning subfolder is still
// registered (via AddSubfolder).
func (c *Cache) ResolveVuid(vuid string) (subfolderIdentity, sourceUID string, ok bool) {
	if len(vuid) < 8 {
		return "", "", false
	}
	hash, uid := vuid[:8], vuid[8:]

	c.mu.RLock()
	defer c.mu.RUnlock()

	identity, found := c.hashToIdentity[hash]
	if !found {
		return "", "", false
	}
	return identity, uid, true
}
