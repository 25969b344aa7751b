// Package types defines the block, header and transaction values read by
// the consensus core.
package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// SealLength is the size of the recoverable signature appended to Extra.
const SealLength = 65

// BloomLength is the size of the header log bloom.
const BloomLength = 256

// Bloom is the header log bloom filter.
type Bloom [BloomLength]byte

// MarshalText encodes the bloom as 0x-prefixed hex.
func (b Bloom) MarshalText() ([]byte, error) {
	return hexutil.Bytes(b[:]).MarshalText()
}

// UnmarshalText decodes a 0x-prefixed hex bloom.
func (b *Bloom) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Bloom", input, b[:])
}

// Header is a block header.
type Header struct {
	ParentHash  common.Hash    `json:"parentHash"`
	UncleHash   common.Hash    `json:"sha3Uncles"`
	Author      common.Address `json:"miner"`
	StateRoot   common.Hash    `json:"stateRoot"`
	TxRoot      common.Hash    `json:"transactionsRoot"`
	ReceiptRoot common.Hash    `json:"receiptsRoot"`
	Bloom       Bloom          `json:"logsBloom"`
	Difficulty  *uint256.Int   `json:"difficulty"`
	Number      uint64         `json:"number"`
	GasLimit    uint64         `json:"gasLimit"`
	GasUsed     uint64         `json:"gasUsed"`
	Time        uint64         `json:"timestamp"`
	Extra       hexutil.Bytes  `json:"extraData"`
	MixDigest   common.Hash    `json:"mixHash"`
	Nonce       uint64         `json:"nonce"`

	BaseFee *uint256.Int `json:"baseFeePerGas" rlp:"optional"`
}

// Hash returns keccak256(rlp(header)).
func (h *Header) Hash() common.Hash {
	return rlpHash(h)
}

// SealHash returns the hash that producers sign: the header hash with a
// trailing 65-byte seal stripped from Extra when present.
func (h *Header) SealHash() common.Hash {
	cpy := *h
	if len(h.Extra) >= SealLength {
		cpy.Extra = h.Extra[:len(h.Extra)-SealLength]
	}
	return rlpHash(&cpy)
}

// Seal returns the trailing 65 bytes of Extra, or nil when Extra is shorter.
func (h *Header) Seal() []byte {
	if len(h.Extra) < SealLength {
		return nil
	}
	return h.Extra[len(h.Extra)-SealLength:]
}

// WithSeal returns a copy of the header with sig appended to Extra.
func (h *Header) WithSeal(sig []byte) *Header {
	cpy := h.Copy()
	extra := make([]byte, 0, len(h.Extra)+len(sig))
	extra = append(extra, h.Extra...)
	cpy.Extra = append(extra, sig...)
	return cpy
}

// DifficultyOrZero never returns nil.
func (h *Header) DifficultyOrZero() *uint256.Int {
	if h.Difficulty == nil {
		return new(uint256.Int)
	}
	return h.Difficulty
}

// Copy returns a deep copy of the header.
func (h *Header) Copy() *Header {
	cpy := *h
	if h.Difficulty != nil {
		cpy.Difficulty = new(uint256.Int).Set(h.Difficulty)
	}
	if h.BaseFee != nil {
		cpy.BaseFee = new(uint256.Int).Set(h.BaseFee)
	}
	if h.Extra != nil {
		cpy.Extra = common.CopyBytes(h.Extra)
	}
	return &cpy
}

// Transaction is a signed transaction as carried in a block body.
type Transaction struct {
	Type                 uint8           `json:"type"`
	ChainID              *uint256.Int    `json:"chainId"`
	Nonce                uint64          `json:"nonce"`
	GasPrice             *uint256.Int    `json:"gasPrice"`
	MaxFeePerGas         *uint256.Int    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *uint256.Int    `json:"maxPriorityFeePerGas"`
	Gas                  uint64          `json:"gas"`
	To                   *common.Address `json:"to" rlp:"nil"`
	Value                *uint256.Int    `json:"value"`
	Data                 hexutil.Bytes   `json:"input"`
	V                    *uint256.Int    `json:"v"`
	R                    *uint256.Int    `json:"r"`
	S                    *uint256.Int    `json:"s"`
}

// Hash returns keccak256(rlp(tx)).
func (tx *Transaction) Hash() common.Hash {
	return rlpHash(tx)
}

// HasFee reports whether the transaction carries a gas price or a fee cap.
func (tx *Transaction) HasFee() bool {
	if tx.GasPrice != nil && !tx.GasPrice.IsZero() {
		return true
	}
	return tx.MaxFeePerGas != nil
}

// Body holds the block contents committed to by the header.
type Body struct {
	Transactions []*Transaction `json:"transactions"`
	Uncles       []*Header      `json:"uncles"`
}

// Block is a header plus its body.
type Block struct {
	Header *Header `json:"header"`
	Body   Body    `json:"body"`
}

// NewBlock assembles a block, deriving the transaction root and uncle hash
// of the header from the body.
func NewBlock(header *Header, body Body) *Block {
	h := header.Copy()
	h.TxRoot = DeriveTxRoot(body.Transactions)
	h.UncleHash = CalcUncleHash(body.Uncles)
	return &Block{Header: h, Body: body}
}

// Hash returns the header hash.
func (b *Block) Hash() common.Hash {
	return b.Header.Hash()
}

// Number returns the header number.
func (b *Block) Number() uint64 {
	return b.Header.Number
}

// ParentHash returns the header parent hash.
func (b *Block) ParentHash() common.Hash {
	return b.Header.ParentHash
}

// WithSeal returns a copy of the block whose header carries sig.
func (b *Block) WithSeal(sig []byte) *Block {
	return &Block{Header: b.Header.WithSeal(sig), Body: b.Body}
}

func rlpHash(x interface{}) (h common.Hash) {
	sha := sha3.NewLegacyKeccak256()
	rlp.Encode(sha, x)
	sha.Sum(h[:0])
	return h
}
