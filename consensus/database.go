package consensus

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ahwlsqja/eth-consensus/types"
)

// Database is the read side of the storage collaborator. Get returns
// (nil, nil) when the key is absent.
type Database interface {
	Get(key []byte) ([]byte, error)
}

// KeyValueStore is the full storage collaborator used by the façade and the
// persistence layer. The validator and engines only read.
type KeyValueStore interface {
	Database
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

var (
	headerPrefix    = []byte("header:")
	finalizedPrefix = []byte("finalized:")
)

// HeaderKey returns "header:" + hex(hash).
func HeaderKey(hash common.Hash) []byte {
	return append(append([]byte{}, headerPrefix...), common.Bytes2Hex(hash[:])...)
}

// FinalizedKey returns "finalized:" + hex(hash).
func FinalizedKey(hash common.Hash) []byte {
	return append(append([]byte{}, finalizedPrefix...), common.Bytes2Hex(hash[:])...)
}

// HeaderReader resolves headers by hash.
type HeaderReader interface {
	// GetHeader returns nil, nil when the header is unknown.
	GetHeader(hash common.Hash) (*types.Header, error)
}

type dbHeaderReader struct {
	db Database
}

// NewHeaderReader reads RLP headers stored under HeaderKey.
func NewHeaderReader(db Database) HeaderReader {
	return &dbHeaderReader{db: db}
}

func (r *dbHeaderReader) GetHeader(hash common.Hash) (*types.Header, error) {
	if r.db == nil {
		return nil, nil
	}
	data, err := r.db.Get(HeaderKey(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read header %s: %w", hash.Hex(), err)
	}
	if data == nil {
		return nil, nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", hash.Hex(), err)
	}
	return header, nil
}

// EncodeHeader is the storage encoding matching NewHeaderReader.
func EncodeHeader(header *types.Header) ([]byte, error) {
	return rlp.EncodeToBytes(header)
}

// MemoryDatabase is a map-backed KeyValueStore for tests and tools.
type MemoryDatabase struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryDatabase creates an empty MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{data: make(map[string][]byte)}
}

func (m *MemoryDatabase) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.data[string(key)]; ok {
		return common.CopyBytes(v), nil
	}
	return nil, nil
}

func (m *MemoryDatabase) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemoryDatabase) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = common.CopyBytes(value)
	return nil
}

func (m *MemoryDatabase) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// PutHeader stores header under HeaderKey.
func PutHeader(db KeyValueStore, header *types.Header) error {
	enc, err := EncodeHeader(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	return db.Put(HeaderKey(header.Hash()), enc)
}
