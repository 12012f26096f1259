package swproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>              generation marker
//	e:<generation>\x00<key>     encoded snapshot
//	m:<generation>\x00<key>     diskMeta
const (
	prefixGen   = "g:"
	prefixEntry = "e:"
	prefixMeta  = "m:"
	keySep      = "\x00"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
	Pinned     bool
}

type diskOp struct {
	touchKey string // index key (generation + sep + key)
	evict    bool
}

type levelDBStore struct {
	maxBytes int64
	codec    codec
	log      *logrus.Logger

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
	closed    bool

	ops  chan diskOp
	done chan struct{}
}

func newLevelDBStore(path string, maxBytes int64, c codec, log *logrus.Logger) (*levelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	d := &levelDBStore{
		maxBytes: maxBytes,
		codec:    c,
		log:      log,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func indexKey(generation, key string) string { return generation + keySep + key }

func splitIndexKey(ik string) (generation, key string) {
	generation, key, _ = strings.Cut(ik, keySep)
	return generation, key
}

func (d *levelDBStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		ik := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[ik] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *levelDBStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *levelDBStore) Open(_ context.Context, generation string) error {
	return d.db.Put([]byte(prefixGen+generation), nil, nil)
}

func (d *levelDBStore) Generations(_ context.Context) ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixGen)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixGen))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (d *levelDBStore) DeleteGeneration(_ context.Context, generation string) error {
	batch := new(leveldb.Batch)
	for _, prefix := range []string{prefixEntry, prefixMeta} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+generation+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
	}
	batch.Delete([]byte(prefixGen + generation))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for ik, meta := range d.index {
		if g, _ := splitIndexKey(ik); g == generation {
			d.totalSize -= meta.Size
			delete(d.index, ik)
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *levelDBStore) Match(_ context.Context, generation, key string) (Snapshot, bool, error) {
	ik := indexKey(generation, key)
	b, err := d.db.Get([]byte(prefixEntry+ik), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, err := d.codec.decode(b)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	d.enqueue(diskOp{touchKey: ik})
	return snap, true, nil
}

// Put writes snap under key. Replacing a pinned entry keeps it pinned.
func (d *levelDBStore) Put(_ context.Context, generation, key string, snap Snapshot) error {
	ik := indexKey(generation, key)
	d.mu.Lock()
	if old, ok := d.index[ik]; ok && old.Pinned {
		snap.Pinned = true
	}
	d.mu.Unlock()

	b, err := d.codec.encode(snap)
	if err != nil {
		return err
	}
	size := int64(len(b))
	if d.maxBytes > 0 && size > d.maxBytes && !snap.Pinned {
		return ErrEntryTooLarge
	}

	meta := diskMeta{Size: size, LastAccess: time.Now().Unix(), Pinned: snap.Pinned}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixGen+generation), nil)
	batch.Put([]byte(prefixEntry+ik), b)
	batch.Put([]byte(prefixMeta+ik), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.index[ik]; ok {
		d.totalSize -= old.Size
	}
	d.index[ik] = meta
	d.totalSize += size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.enqueue(diskOp{evict: true})
	}
	return nil
}

func (d *levelDBStore) Keys(_ context.Context, generation string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for ik := range d.index {
		if g, k := splitIndexKey(ik); g == generation {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *levelDBStore) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	close(d.ops)
	<-d.done
	return d.db.Close()
}

// enqueue drops background ops when the writer is saturated; touches and
// eviction passes are advisory.
func (d *levelDBStore) enqueue(op diskOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ops <- op:
	default:
	}
}

func (d *levelDBStore) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		if op.evict {
			d.evictSome()
			continue
		}
		if op.touchKey != "" {
			d.touch(op.touchKey)
		}
	}
}

func (d *levelDBStore) touch(ik string) {
	d.mu.Lock()
	meta, ok := d.index[ik]
	if ok {
		meta.LastAccess = time.Now().Unix()
		d.index[ik] = meta
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	if err := d.db.Put([]byte(prefixMeta+ik), mb, nil); err != nil {
		d.log.WithError(err).Debug("leveldb: touch failed")
	}
}

// evictSome removes the least recently used 10% of unpinned entries, at
// least enough to get back under maxBytes.
func (d *levelDBStore) evictSome() {
	type item struct {
		ik string
		m  diskMeta
	}
	d.mu.Lock()
	if d.totalSize <= d.maxBytes {
		d.mu.Unlock()
		return
	}
	need := d.totalSize - d.maxBytes
	items := make([]item, 0, len(d.index))
	for ik, m := range d.index {
		if m.Pinned {
			continue
		}
		items = append(items, item{ik, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	batch := new(leveldb.Batch)
	var freed int64
	removed := 0
	for _, it := range items {
		if removed >= n && freed >= need {
			break
		}
		batch.Delete([]byte(prefixEntry + it.ik))
		batch.Delete([]byte(prefixMeta + it.ik))
		freed += it.m.Size
		removed++
	}
	if removed == 0 {
		return
	}
	if err := d.db.Write(batch, nil); err != nil {
		d.log.WithError(err).Warn("leveldb: eviction failed")
		return
	}

	d.mu.Lock()
	for _, it := range items[:removed] {
		if cur, ok := d.index[it.ik]; ok {
			d.totalSize -= cur.Size
			delete(d.index, it.ik)
		}
	}
	d.mu.Unlock()
	d.log.WithFields(logrus.Fields{"entries": removed, "freed": formatBytes(uint64(freed))}).Debug("leveldb: evicted")
}
