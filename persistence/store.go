// Package persistence stores blocks, the canonical chain index and finality
// records, and rebuilds consensus state from them at startup.
// 블록과 정규 체인 인덱스를 영구 저장하고 재시작 시 합의 상태를 복구
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

var (
	bodyPrefix      = []byte("body:")
	canonicalPrefix = []byte("canonical:")
	headKey         = []byte("head")
	lastFinalKey    = []byte("lastFinalized")
)

// ErrGenesisMismatch is returned when the stored genesis differs from the
// configured one.
var ErrGenesisMismatch = errors.New("stored genesis does not match")

// BodyKey returns "body:" + hex(hash).
func BodyKey(hash common.Hash) []byte {
	return append(append([]byte{}, bodyPrefix...), common.Bytes2Hex(hash[:])...)
}

// CanonicalKey returns "canonical:" + big-endian number.
func CanonicalKey(number uint64) []byte {
	key := make([]byte, len(canonicalPrefix)+8)
	copy(key, canonicalPrefix)
	binary.BigEndian.PutUint64(key[len(canonicalPrefix):], number)
	return key
}

// Store is the chain storage used by the node.
type Store interface {
	// 블록 관련
	WriteBlock(block *types.Block) error
	ReadBlock(hash common.Hash) (*types.Block, error)
	ReadHeader(hash common.Hash) (*types.Header, error)

	// 정규 체인 관련
	ReadCanonicalHash(number uint64) (common.Hash, bool, error)
	ReadCanonicalHeader(number uint64) (*types.Header, error)
	WriteHead(header *types.Header) error
	ReadHead() (*types.Header, error)

	// 완결성 관련
	WriteFinalized(header *types.Header) error
	ReadFinalized() (*types.Header, error)

	Close() error
}

// ================================================================================
//                          ChainStore
// ================================================================================

// ChainStore implements Store over any consensus.KeyValueStore. Headers use
// the RLP layout read by the consensus core; bodies are JSON.
type ChainStore struct {
	mu      sync.Mutex // serializes head and canonical index updates
	db      consensus.KeyValueStore
	headers consensus.HeaderReader
}

var _ Store = (*ChainStore)(nil)

// NewChainStore wraps db.
func NewChainStore(db consensus.KeyValueStore) *ChainStore {
	return &ChainStore{db: db, headers: consensus.NewHeaderReader(db)}
}

// DB returns the underlying key-value store.
func (s *ChainStore) DB() consensus.KeyValueStore {
	return s.db
}

// WriteBlock stores the header and body of block.
func (s *ChainStore) WriteBlock(block *types.Block) error {
	if block == nil || block.Header == nil {
		return errors.New("block is nil")
	}
	if err := consensus.PutHeader(s.db, block.Header); err != nil {
		return errors.Wrapf(err, "failed to write header %d", block.Number())
	}
	body, err := json.Marshal(block.Body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal body")
	}
	if err := s.db.Put(BodyKey(block.Hash()), body); err != nil {
		return errors.Wrapf(err, "failed to write body %d", block.Number())
	}
	return nil
}

// ReadHeader returns the header for hash, or nil when unknown.
func (s *ChainStore) ReadHeader(hash common.Hash) (*types.Header, error) {
	return s.headers.GetHeader(hash)
}

// ReadBlock returns the block for hash, or nil when the header is unknown.
// A header stored without a body yields an empty body.
func (s *ChainStore) ReadBlock(hash common.Hash) (*types.Block, error) {
	header, err := s.ReadHeader(hash)
	if err != nil || header == nil {
		return nil, err
	}
	block := &types.Block{Header: header}
	data, err := s.db.Get(BodyKey(hash))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read body %s", hash.Hex())
	}
	if data != nil {
		if err := json.Unmarshal(data, &block.Body); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal body %s", hash.Hex())
		}
	}
	return block, nil
}

// ReadCanonicalHash returns the canonical hash at number.
func (s *ChainStore) ReadCanonicalHash(number uint64) (common.Hash, bool, error) {
	data, err := s.db.Get(CanonicalKey(number))
	if err != nil {
		return common.Hash{}, false, errors.Wrapf(err, "failed to read canonical hash %d", number)
	}
	if len(data) != common.HashLength {
		return common.Hash{}, false, nil
	}
	return common.BytesToHash(data), true, nil
}

// ReadCanonicalHeader returns the canonical header at number, or nil.
func (s *ChainStore) ReadCanonicalHeader(number uint64) (*types.Header, error) {
	hash, ok, err := s.ReadCanonicalHash(number)
	if err != nil || !ok {
		return nil, err
	}
	return s.ReadHeader(hash)
}

// WriteHead makes header the chain head. The canonical index is rewritten
// back to the first ancestor already indexed, and entries above the new head
// are removed.
func (s *ChainStore) WriteHead(header *types.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.readHashHeader(headKey)
	if err != nil {
		return err
	}

	cur := header
	for {
		hash := cur.Hash()
		have, ok, err := s.ReadCanonicalHash(cur.Number)
		if err != nil {
			return err
		}
		if ok && have == hash {
			break
		}
		if err := s.db.Put(CanonicalKey(cur.Number), hash[:]); err != nil {
			return errors.Wrapf(err, "failed to write canonical hash %d", cur.Number)
		}
		if cur.Number == 0 {
			break
		}
		parent, err := s.ReadHeader(cur.ParentHash)
		if err != nil {
			return err
		}
		if parent == nil {
			return errors.Wrapf(consensus.ErrUnknownAncestor, "parent %s of block %d", cur.ParentHash.Hex(), cur.Number)
		}
		cur = parent
	}

	if old != nil {
		for n := header.Number + 1; n <= old.Number; n++ {
			if err := s.db.Delete(CanonicalKey(n)); err != nil {
				return errors.Wrapf(err, "failed to delete canonical hash %d", n)
			}
		}
	}
	hash := header.Hash()
	return errors.Wrap(s.db.Put(headKey, hash[:]), "failed to write head")
}

// ReadHead returns the head header, or nil when none was written.
func (s *ChainStore) ReadHead() (*types.Header, error) {
	return s.readHashHeader(headKey)
}

// WriteFinalized stores the finalized record of header and marks it as the
// latest finalized block.
func (s *ChainStore) WriteFinalized(header *types.Header) error {
	enc, err := consensus.EncodeHeader(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	hash := header.Hash()
	if err := s.db.Put(consensus.FinalizedKey(hash), enc); err != nil {
		return errors.Wrap(err, "failed to write finalized record")
	}
	return errors.Wrap(s.db.Put(lastFinalKey, hash[:]), "failed to write last finalized")
}

// ReadFinalized returns the latest finalized header, or nil.
func (s *ChainStore) ReadFinalized() (*types.Header, error) {
	return s.readHashHeader(lastFinalKey)
}

// IsFinalized reports whether a finalized record exists for hash.
func (s *ChainStore) IsFinalized(hash common.Hash) (bool, error) {
	return s.db.Has(consensus.FinalizedKey(hash))
}

func (s *ChainStore) readHashHeader(key []byte) (*types.Header, error) {
	data, err := s.db.Get(key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	if len(data) != common.HashLength {
		return nil, nil
	}
	return s.ReadHeader(common.BytesToHash(data))
}

// InitGenesis writes genesis on an empty store and returns it. On a
// populated store it returns the stored genesis, or ErrGenesisMismatch when
// the hashes differ.
func (s *ChainStore) InitGenesis(genesis *types.Block) (*types.Header, error) {
	stored, err := s.ReadCanonicalHeader(0)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		if stored.Hash() != genesis.Hash() {
			return nil, errors.Wrapf(ErrGenesisMismatch, "have %s, want %s", stored.Hash().Hex(), genesis.Hash().Hex())
		}
		return stored, nil
	}
	if err := s.WriteBlock(genesis); err != nil {
		return nil, err
	}
	if err := s.WriteHead(genesis.Header); err != nil {
		return nil, err
	}
	return genesis.Header, nil
}

// Close closes the underlying store when it supports closing.
func (s *ChainStore) Close() error {
	if c, ok := s.db.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
