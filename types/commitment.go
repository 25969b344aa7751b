package types

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Empty-list commitments. These equal the Ethereum empty trie root and the
// empty uncle list hash so that empty blocks stay recognisable, but the
// non-empty commitments below are flat keccak256 digests over the
// concatenated element hashes, not Merkle-Patricia roots, and do not match
// mainnet block hashes.
var (
	EmptyTxRoot    = common.HexToHash("0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")
	EmptyUncleHash = common.HexToHash("0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347")
)

// DeriveTxRoot returns keccak256(tx0.Hash() || tx1.Hash() || ...).
func DeriveTxRoot(txs []*Transaction) common.Hash {
	if len(txs) == 0 {
		return EmptyTxRoot
	}
	sha := sha3.NewLegacyKeccak256()
	for _, tx := range txs {
		h := tx.Hash()
		sha.Write(h[:])
	}
	var root common.Hash
	sha.Sum(root[:0])
	return root
}

// CalcUncleHash returns keccak256(u0.Hash() || u1.Hash() || ...).
func CalcUncleHash(uncles []*Header) common.Hash {
	if len(uncles) == 0 {
		return EmptyUncleHash
	}
	sha := sha3.NewLegacyKeccak256()
	for _, u := range uncles {
		h := u.Hash()
		sha.Write(h[:])
	}
	var root common.Hash
	sha.Sum(root[:0])
	return root
}

var (
	ErrMissingSignature  = errors.New("missing signature values")
	ErrInvalidSigValues  = errors.New("signature r or s out of range")
	ErrInvalidSigV       = errors.New("invalid signature v value")
	secp256k1N           = uint256.MustFromHex("0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	eip155MinV           = uint256.NewInt(35)
	legacyV0, legacyV1   = uint256.NewInt(27), uint256.NewInt(28)
	typedV0, typedV1     = uint256.NewInt(0), uint256.NewInt(1)
)

// ValidateSignatureValues checks that the signature is structurally valid:
// 1 <= r, s < secp256k1N and v is a legacy, EIP-155 or typed parity value.
func (tx *Transaction) ValidateSignatureValues() error {
	if tx.V == nil || tx.R == nil || tx.S == nil {
		return ErrMissingSignature
	}
	if tx.R.IsZero() || tx.S.IsZero() || !tx.R.Lt(secp256k1N) || !tx.S.Lt(secp256k1N) {
		return ErrInvalidSigValues
	}
	v := tx.V
	if tx.Type != 0 {
		if v.Eq(typedV0) || v.Eq(typedV1) {
			return nil
		}
		return ErrInvalidSigV
	}
	if v.Eq(legacyV0) || v.Eq(legacyV1) || !v.Lt(eip155MinV) {
		return nil
	}
	return ErrInvalidSigV
}
