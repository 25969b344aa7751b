// Package crypto provides the signing and recovery primitives used by the
// consensus engines: keccak256 hashing and recoverable secp256k1 signatures.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// SignatureLength is the size of a recoverable signature [R || S || V].
const SignatureLength = 65

// compact signature header offset used by secp256k1 SignCompact.
const compactRecoveryOffset = 27

var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrInvalidRecoveryID      = errors.New("invalid signature recovery id")
	ErrInvalidPrivateKey      = errors.New("invalid private key")
)

// Keccak256 computes the legacy Keccak-256 hash of the concatenated data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash computes Keccak-256 and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) (h common.Hash) {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

// KeyPair represents a secp256k1 key pair.
type KeyPair struct {
	privateKey *secp256k1.PrivateKey
	publicKey  *secp256k1.PublicKey
	address    common.Address
}

// GenerateKeyPair generates a new secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return newKeyPair(priv), nil
}

// KeyPairFromBytes reconstructs a key pair from a 32-byte private scalar.
func KeyPairFromBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidPrivateKey, len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return newKeyPair(priv), nil
}

// KeyPairFromHex parses a hex encoded private key (with or without 0x).
func KeyPairFromHex(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return KeyPairFromBytes(b)
}

func newKeyPair(priv *secp256k1.PrivateKey) *KeyPair {
	pub := priv.PubKey()
	return &KeyPair{
		privateKey: priv,
		publicKey:  pub,
		address:    PubkeyToAddress(pub),
	}
}

// Sign produces a 65-byte recoverable signature [R || S || V] over a
// 32-byte hash, with V in {0, 1}.
func (kp *KeyPair) Sign(hash common.Hash) ([]byte, error) {
	compact := ecdsa.SignCompact(kp.privateKey, hash[:], false)
	if len(compact) != SignatureLength {
		return nil, ErrInvalidSignatureLength
	}
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0] - compactRecoveryOffset
	return sig, nil
}

// PublicKey returns the uncompressed public key bytes.
func (kp *KeyPair) PublicKey() []byte {
	return kp.publicKey.SerializeUncompressed()
}

// Address returns the Ethereum-style address of the key.
func (kp *KeyPair) Address() common.Address {
	return kp.address
}

// PrivateKeyHex returns the hex encoded private scalar.
func (kp *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.privateKey.Serialize())
}

// PubkeyToAddress derives keccak256(pubkey[1:])[12:].
func PubkeyToAddress(pub *secp256k1.PublicKey) common.Address {
	raw := pub.SerializeUncompressed()
	return common.BytesToAddress(Keccak256(raw[1:])[12:])
}

// RecoverPubkey returns the public key that produced sig over hash.
func RecoverPubkey(hash common.Hash, sig []byte) (*secp256k1.PublicKey, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSignatureLength, len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRecoveryID, sig[64])
	}

	compact := make([]byte, SignatureLength)
	compact[0] = v + compactRecoveryOffset
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to recover public key: %w", err)
	}
	return pub, nil
}

// RecoverAddress returns the address that produced sig over hash.
func RecoverAddress(hash common.Hash, sig []byte) (common.Address, error) {
	pub, err := RecoverPubkey(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return PubkeyToAddress(pub), nil
}

// Signer is the signing capability handed to block producers.
type Signer interface {
	Sign(hash common.Hash) ([]byte, error)
	PublicKey() []byte
	Address() common.Address
}

var _ Signer = (*KeyPair)(nil)
