package types

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testHeader() *Header {
	return &Header{
		ParentHash: common.HexToHash("0x01"),
		UncleHash:  EmptyUncleHash,
		TxRoot:     EmptyTxRoot,
		Difficulty: uint256.NewInt(2),
		Number:     7,
		GasLimit:   8_000_000,
		GasUsed:    21_000,
		Time:       1_700_000_000,
		Extra:      make([]byte, 32),
	}
}

func TestHeaderHashing(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		require.Equal(t, testHeader().Hash(), testHeader().Hash())
	})

	t.Run("FieldSensitive", func(t *testing.T) {
		h := testHeader()
		h2 := testHeader()
		h2.Time++
		require.NotEqual(t, h.Hash(), h2.Hash())
	})

	t.Run("SealHashIgnoresSeal", func(t *testing.T) {
		h := testHeader()
		unsealed := h.SealHash()
		require.Equal(t, h.Hash(), unsealed)

		sealed := h.WithSeal(make([]byte, SealLength))
		require.Equal(t, unsealed, sealed.SealHash())
		require.NotEqual(t, sealed.Hash(), sealed.SealHash())
		require.Len(t, sealed.Seal(), SealLength)
		require.Nil(t, h.Seal())

		// WithSeal must not alias the original extra data
		require.Len(t, h.Extra, 32)
	})
}

func TestHeaderRLPRoundTrip(t *testing.T) {
	h := testHeader()
	h.BaseFee = uint256.NewInt(7)

	enc, err := rlp.EncodeToBytes(h)
	require.NoError(t, err)

	var dec Header
	require.NoError(t, rlp.DecodeBytes(enc, &dec))
	require.Equal(t, h.Hash(), dec.Hash())
}

func TestHeaderJSON(t *testing.T) {
	h := testHeader()
	data, err := json.Marshal(h)
	require.NoError(t, err)

	var dec Header
	require.NoError(t, json.Unmarshal(data, &dec))
	require.Equal(t, h.Hash(), dec.Hash())
}

func TestCommitments(t *testing.T) {
	require.Equal(t, EmptyTxRoot, DeriveTxRoot(nil))
	require.Equal(t, EmptyUncleHash, CalcUncleHash(nil))

	tx := &Transaction{Nonce: 1, Gas: 21000, GasPrice: uint256.NewInt(1)}
	root := DeriveTxRoot([]*Transaction{tx})
	require.NotEqual(t, EmptyTxRoot, root)
	require.Equal(t, root, DeriveTxRoot([]*Transaction{tx}))

	tx2 := &Transaction{Nonce: 2, Gas: 21000, GasPrice: uint256.NewInt(1)}
	require.NotEqual(t,
		DeriveTxRoot([]*Transaction{tx, tx2}),
		DeriveTxRoot([]*Transaction{tx2, tx}))

	block := NewBlock(testHeader(), Body{Transactions: []*Transaction{tx}, Uncles: []*Header{testHeader()}})
	require.Equal(t, root, block.Header.TxRoot)
	require.Equal(t, CalcUncleHash([]*Header{testHeader()}), block.Header.UncleHash)
}

func TestValidateSignatureValues(t *testing.T) {
	valid := func() *Transaction {
		return &Transaction{
			Gas: 21000,
			V:   uint256.NewInt(27),
			R:   uint256.NewInt(1),
			S:   uint256.NewInt(1),
		}
	}

	require.NoError(t, valid().ValidateSignatureValues())

	tx := valid()
	tx.V = uint256.NewInt(37)
	require.NoError(t, tx.ValidateSignatureValues())

	tx = valid()
	tx.V = uint256.NewInt(5)
	require.ErrorIs(t, tx.ValidateSignatureValues(), ErrInvalidSigV)

	tx = valid()
	tx.R = new(uint256.Int)
	require.ErrorIs(t, tx.ValidateSignatureValues(), ErrInvalidSigValues)

	tx = valid()
	tx.S = new(uint256.Int).Set(secp256k1N)
	require.ErrorIs(t, tx.ValidateSignatureValues(), ErrInvalidSigValues)

	tx = valid()
	tx.Type = 2
	tx.V = uint256.NewInt(1)
	require.NoError(t, tx.ValidateSignatureValues())
	tx.V = uint256.NewInt(27)
	require.ErrorIs(t, tx.ValidateSignatureValues(), ErrInvalidSigV)

	tx = valid()
	tx.V = nil
	require.ErrorIs(t, tx.ValidateSignatureValues(), ErrMissingSignature)
}

func TestAttestationSigningRoot(t *testing.T) {
	a := &Attestation{
		Slot:            3,
		BeaconBlockRoot: common.HexToHash("0xaa"),
		Source:          Checkpoint{Epoch: 0, Root: common.HexToHash("0x01")},
		Target:          Checkpoint{Epoch: 1, Root: common.HexToHash("0x02")},
	}
	root := a.SigningRoot()

	// the signature and validator fields are not part of the message
	b := *a
	b.Signature = []byte{1, 2, 3}
	b.Validator = common.HexToAddress("0x01")
	require.Equal(t, root, b.SigningRoot())

	b.Target.Epoch = 2
	require.NotEqual(t, root, b.SigningRoot())
}

func TestValidatorSet(t *testing.T) {
	a, b, c := common.HexToAddress("0x0a"), common.HexToAddress("0x0b"), common.HexToAddress("0x0c")
	vs := NewValidatorSet([]common.Address{a, b, a}, uint256.NewInt(10))

	require.Equal(t, 2, vs.Size())
	require.Equal(t, []common.Address{a, b}, vs.Addresses())
	require.Equal(t, 1, vs.IndexOf(b))
	require.Equal(t, -1, vs.IndexOf(c))
	require.True(t, vs.Add(c, nil))
	require.False(t, vs.Add(c, nil))
	require.Equal(t, uint64(20), vs.TotalStake().Uint64())

	cpy := vs.Copy()
	require.True(t, vs.Remove(a))
	require.False(t, vs.Remove(a))
	require.Equal(t, []common.Address{b, c}, vs.Addresses())
	require.Equal(t, 3, cpy.Size())

	cpy.Get(b).Stake.SetUint64(99)
	require.Equal(t, uint64(10), vs.Get(b).Stake.Uint64())
}
