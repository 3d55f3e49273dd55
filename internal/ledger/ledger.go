// Package ledger is the blockchain surface of the pipeline: identity
// registration, token issuance and token transfer.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/jsoncodec"
)

// DefaultDecimals is the token precision used to scale whole-token amounts.
const DefaultDecimals = 18

// Receipt identifies a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Ledger is implemented by EthLedger and Memory. Every method blocks until
// the transaction is mined. Errors carry errspkg.KindLedger, or
// errspkg.KindAlreadyRegistered for a duplicate identity.
type Ledger interface {
	RegisterIdentity(ctx context.Context, holder common.Address, identity common.Hash, validity time.Duration) (Receipt, error)
	IsIssuable(ctx context.Context, token common.Address) (bool, error)
	SetIssuable(ctx context.Context, token common.Address, issuable bool) (Receipt, error)
	Issue(ctx context.Context, token, to common.Address, amount *big.Int, data []byte) (Receipt, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token common.Address, from *ecdsa.PrivateKey, to common.Address, amount *big.Int, data []byte) (Receipt, error)
}

// Account is a freshly generated secp256k1 key pair.
type Account struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// NewAccount generates a key pair.
func NewAccount() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Account{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}, nil
}

// HexKey returns the 0x-prefixed private key.
func (a *Account) HexKey() string {
	return hexutil.Encode(crypto.FromECDSA(a.PrivateKey))
}

// ParseKey decodes a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ScaleAmount converts whole tokens to base units.
func ScaleAmount(amount int64, decimals uint8) *big.Int {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return unit.Mul(unit, big.NewInt(amount))
}

// IdentityHash is the attestation submitted to the identity registry.
func IdentityHash(kyc, identificationRef string) common.Hash {
	return crypto.Keccak256Hash([]byte(kyc + "|" + identificationRef))
}

// MetadataHash is keccak256 over the RFC 8785 canonical JSON of v.
func MetadataHash(v any) (common.Hash, error) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("canonicalize metadata: %w", err)
	}
	return crypto.Keccak256Hash(canonical), nil
}

// classify maps a transaction submission error to a pipeline error kind.
func classify(op string, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "already registered") {
		return errspkg.AlreadyRegistered(op, err)
	}
	return errspkg.Ledger(op, err)
}
