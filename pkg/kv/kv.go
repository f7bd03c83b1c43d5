// Package kv provides a fast in-memory key-value store with persistence using BadgerDB
package kv

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

type KV struct {
	db       *badger.DB
	opts     badger.Options
	closed   bool
	closedMu sync.RWMutex
}

// Options for KV store
type Options struct {
	Dir           string // Data directory
	ValueDir      string // Value log directory (optional)
	SyncWrites    bool   // Sync writes to disk
	Compression   bool   // Enable compression
	MemoryMode    bool   // In-memory only (no persistence)
	MaxCacheSize  int64  // Cache size in MB
	ValueLogMaxMB int64  // Max value log size in MB
}

// DefaultOptions returns default options
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		SyncWrites:    false, // Async for performance
		Compression:   true,
		MemoryMode:    false,
		MaxCacheSize:  256,
		ValueLogMaxMB: 256, // 256MB - within valid range [1MB, 2GB)
	}
}

// Open opens a KV store
func Open(opt Options) (*KV, error) {
	// For in-memory mode, don't set Dir or ValueLogFileSize
	if !opt.MemoryMode {
		if opt.Dir == "" {
			opt.Dir = filepath.Join(os.TempDir(), "memex-kv")
		}
	}

	opts := badger.DefaultOptions(opt.Dir)
	opts.SyncWrites = opt.SyncWrites

	if opt.Compression && !opt.MemoryMode {
		opts.Compression = options.ZSTD
	}

	if !opt.MemoryMode && opt.ValueLogMaxMB > 0 {
		opts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
	}

	if opt.MemoryMode {
		opts.InMemory = true
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}

	kv := &KV{
		db:   db,
		opts: opts,
	}

	log.Printf("[KV] Opened: %s (memory: %v)", opt.Dir, opt.MemoryMode)
	return kv, nil
}

// Close closes the KV store
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()

	if k.closed {
		return nil
	}

	k.closed = true
	return k.db.Close()
}

// SetWithTTL sets a key-value pair with TTL
func (k *KV) SetWithTTL(key, value string, ttl time.Duration) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value)).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// GetBytes gets raw bytes by key
func (k *KV) GetBytes(key string) ([]byte, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return nil, fmt.Errorf("KV is closed")
	}

	var result []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		result = val
		return nil
	})
	return result, err
}

// Delete deletes a key
func (k *KV) Delete(key string) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}
