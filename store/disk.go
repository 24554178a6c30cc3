package store

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// diskRecord is the self-describing on-disk encoding of a single entry,
// per spec.md §6 "Local storage file layout": {value: bytes, time: float}.
type diskRecord struct {
	Value []byte  `msgpack:"value"`
	Time  float64 `msgpack:"time"`
}

// Disk is a filesystem-backed Store with the same contract as Memory:
// one file per key under a per-node directory. Grounded on
// original_source/kademlia/storage.py's DiskStorage, adapted to Go's
// error-return idiom instead of Python's FileNotFoundError handling.
type Disk struct {
	mu  sync.Mutex
	dir string
	ttl time.Duration
	now func() time.Time

	// order tracks insertion order in memory; the filesystem itself is
	// unordered, so this mirrors Memory's insertion-order guarantee.
	order []string
}

// NewDisk opens (creating if needed) a per-node storage directory under
// root, named after nodeKey, with the given time-to-live.
func NewDisk(root, nodeKey string, ttl time.Duration) (*Disk, error) {
	dir := filepath.Join(root, hex.EncodeToString([]byte(nodeKey)))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	d := &Disk{dir: dir, ttl: ttl, now: time.Now}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			d.order = append(d.order, e.Name())
		}
	}
	return d, nil
}

func (d *Disk) fname(key string) string {
	return filepath.Join(d.dir, hex.EncodeToString([]byte(key)))
}

func (d *Disk) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune()
	return d.readLocked(key)
}

func (d *Disk) readLocked(key string) ([]byte, bool) {
	raw, err := os.ReadFile(d.fname(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("key", key).Error("disk store: read failed")
		}
		return nil, false
	}
	var rec diskRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		log.WithError(err).WithField("key", key).Error("disk store: corrupt record")
		return nil, false
	}
	return rec.Value, true
}

func (d *Disk) Set(key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := diskRecord{Value: value, Time: float64(d.now().UnixNano()) / 1e9}
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		log.WithError(err).WithField("key", key).Error("disk store: encode failed")
		return
	}
	if err := os.WriteFile(d.fname(key), raw, 0o600); err != nil {
		log.WithError(err).WithField("key", key).Error("disk store: write failed")
		return
	}
	d.touchOrderLocked(key)
}

func (d *Disk) touchOrderLocked(key string) {
	name := hex.EncodeToString([]byte(key))
	for _, n := range d.order {
		if n == name {
			return
		}
	}
	d.order = append(d.order, name)
}

func (d *Disk) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(key)
}

func (d *Disk) removeLocked(key string) {
	name := hex.EncodeToString([]byte(key))
	if err := os.Remove(d.fname(key)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("key", key).Error("disk store: remove failed")
		}
	}
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (d *Disk) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune()
}

func (d *Disk) prune() {
	cutoff := d.now().Add(-d.ttl)
	for _, name := range append([]string(nil), d.order...) {
		info, err := os.Stat(filepath.Join(d.dir, name))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			key, err := hex.DecodeString(name)
			if err != nil {
				continue
			}
			d.removeLocked(string(key))
		}
	}
}

func (d *Disk) IterOlderThan(age time.Duration) []KV {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []KV
	cutoff := d.now().Add(-age)
	for _, name := range d.order {
		info, err := os.Stat(filepath.Join(d.dir, name))
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		key, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		if value, ok := d.readLocked(string(key)); ok {
			out = append(out, KV{Key: string(key), Value: value})
		}
	}
	return out
}

func (d *Disk) All() []KV {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune()

	out := make([]KV, 0, len(d.order))
	for _, name := range d.order {
		key, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		if value, ok := d.readLocked(string(key)); ok {
			out = append(out, KV{Key: string(key), Value: value})
		}
	}
	return out
}

func (d *Disk) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := os.Stat(d.fname(key))
	return err == nil
}

func (d *Disk) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
