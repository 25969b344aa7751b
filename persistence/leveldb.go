package persistence

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
)

var defaultOptions = opt.Options{
	Compression:        opt.NoCompression,
	BlockCacheCapacity: 32 * opt.MiB,
	WriteBuffer:        16 * opt.MiB,
}

// LevelDB is a thin consensus.KeyValueStore over goleveldb.
type LevelDB struct {
	ldb *leveldb.DB
}

var _ consensus.KeyValueStore = (*LevelDB)(nil)

// Open opens or creates the database at path. A corrupted database is
// recovered once before giving up.
func Open(path string, logger *zap.Logger) (*LevelDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ldb, err := leveldb.OpenFile(path, &defaultOptions)

	// 손상된 경우 한 번 복구 시도
	if _, corrupted := err.(*ldbErrors.ErrCorrupted); corrupted {
		logger.Warn("leveldb corruption detected", zap.String("path", path), zap.Error(err))
		ldb, err = leveldb.RecoverFile(path, &defaultOptions)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to recover leveldb at %s", path)
		}
		logger.Warn("leveldb recovered", zap.String("path", path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open leveldb at %s", path)
	}
	return &LevelDB{ldb: ldb}, nil
}

// OpenMemory opens a database backed by in-memory storage.
func OpenMemory() (*LevelDB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), &defaultOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open in-memory leveldb")
	}
	return &LevelDB{ldb: ldb}, nil
}

// Close closes the database.
func (db *LevelDB) Close() error {
	return db.ldb.Close()
}

// Put sets the value for key.
func (db *LevelDB) Put(key, value []byte) error {
	return db.ldb.Put(key, value, nil)
}

// Get returns the value for key, or nil when it does not exist.
func (db *LevelDB) Get(key []byte) ([]byte, error) {
	data, err := db.ldb.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Has reports whether key exists.
func (db *LevelDB) Has(key []byte) (bool, error) {
	return db.ldb.Has(key, nil)
}

// Delete removes key. Deleting a missing key is not an error.
func (db *LevelDB) Delete(key []byte) error {
	return db.ldb.Delete(key, nil)
}

// Batch collects writes applied atomically by Write.
type Batch struct {
	db    *LevelDB
	batch *leveldb.Batch
}

// NewBatch starts a write batch.
func (db *LevelDB) NewBatch() *Batch {
	return &Batch{db: db, batch: new(leveldb.Batch)}
}

func (b *Batch) Put(key, value []byte) { b.batch.Put(key, value) }

func (b *Batch) Delete(key []byte) { b.batch.Delete(key) }

// Len returns the number of queued writes.
func (b *Batch) Len() int { return b.batch.Len() }

// Write applies the batch.
func (b *Batch) Write() error {
	return b.db.ldb.Write(b.batch, nil)
}

// ForEach calls fn for every key with prefix in key order until fn returns
// false.
func (db *LevelDB) ForEach(prefix []byte, fn func(key, value []byte) bool) error {
	it := db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}
