package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const peerstoreKeyPrefix = "outbound:"

var errPeerstoreClosed = errors.New("peerstore closed")

// PeerstoreEntry captures what we remember about an outbound endpoint across restarts.
type PeerstoreEntry struct {
	URL             string    `json:"url"`
	Host            string    `json:"host"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	Opens           int       `json:"opens"`
	LastCloseReason string    `json:"lastCloseReason,omitempty"`
}

// Peerstore is a concurrency-safe LevelDB-backed book of outbound endpoints this node has
// successfully opened.
type Peerstore struct {
	mu sync.RWMutex

	db    *leveldb.DB
	byURL map[string]*PeerstoreEntry
}

// NewPeerstore opens (or creates) a peerstore at path.
func NewPeerstore(path string) (*Peerstore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	store := &Peerstore{
		db:    db,
		byURL: make(map[string]*PeerstoreEntry),
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	ps.byURL = nil
	return err
}

// Get returns the entry for a URL.
func (ps *Peerstore) Get(url string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byURL[NormalizeURL(url)]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// List returns every entry, most recently seen first.
func (ps *Peerstore) List() []PeerstoreEntry {
	ps.mu.RLock()
	out := make([]PeerstoreEntry, 0, len(ps.byURL))
	for _, rec := range ps.byURL {
		out = append(out, *rec)
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].URL < out[j].URL
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// RecordOpen notes a successful outbound open.
func (ps *Peerstore) RecordOpen(url string, now time.Time) (PeerstoreEntry, error) {
	url = NormalizeURL(url)
	if url == "" {
		return PeerstoreEntry{}, errors.New("url required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return PeerstoreEntry{}, errPeerstoreClosed
	}
	rec := ps.byURL[url]
	if rec == nil {
		rec = &PeerstoreEntry{URL: url, Host: ParseHost(url), FirstSeen: now}
		ps.byURL[url] = rec
	}
	rec.Opens++
	rec.LastSeen = now
	rec.LastCloseReason = ""
	if err := ps.persistLocked(rec); err != nil {
		return PeerstoreEntry{}, err
	}
	return *rec, nil
}

// RecordClose notes why a known outbound connection went away.
func (ps *Peerstore) RecordClose(url, reason string, now time.Time) error {
	url = NormalizeURL(url)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return errPeerstoreClosed
	}
	rec := ps.byURL[url]
	if rec == nil {
		return fmt.Errorf("record close: %w", leveldb.ErrNotFound)
	}
	rec.LastSeen = now
	rec.LastCloseReason = reason
	return ps.persistLocked(rec)
}

// Remove forgets an endpoint.
func (ps *Peerstore) Remove(url string) error {
	url = NormalizeURL(url)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return errPeerstoreClosed
	}
	delete(ps.byURL, url)
	return ps.db.Delete([]byte(peerstoreKeyPrefix+url), nil)
}

func (ps *Peerstore) persistLocked(rec *PeerstoreEntry) error {
	if ps.db == nil {
		return errPeerstoreClosed
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ps.db.Put([]byte(peerstoreKeyPrefix+rec.URL), blob, nil)
}

func (ps *Peerstore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	iter := ps.db.NewIterator(util.BytesPrefix([]byte(peerstoreKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerstoreEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer %s: %w", iter.Key(), err)
		}
		entry := rec
		ps.byURL[rec.URL] = &entry
	}
	return iter.Error()
}
