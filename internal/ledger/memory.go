package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
)

// Memory is an in-process ledger for local runs and tests. Transactions are
// mined immediately.
type Memory struct {
	mu         sync.Mutex
	identities map[common.Address]common.Hash
	issuable   map[common.Address]bool
	balances   map[common.Address]map[common.Address]*big.Int
	block      uint64
	calls      map[string]int
	failures   map[string]int
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		identities: map[common.Address]common.Hash{},
		issuable:   map[common.Address]bool{},
		balances:   map[common.Address]map[common.Address]*big.Int{},
		calls:      map[string]int{},
		failures:   map[string]int{},
	}
}

// FailNext makes the next n calls of op ("register_identity", "issue",
// "transfer", ...) fail.
func (m *Memory) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
}

// Calls reports how many times op was attempted.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Identity returns the attestation registered for holder.
func (m *Memory) Identity(holder common.Address) (common.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.identities[holder]
	return h, ok
}

// Mint credits holder directly, bypassing issuance.
func (m *Memory) Mint(token, holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(token, holder, amount)
}

func (m *Memory) RegisterIdentity(_ context.Context, holder common.Address, identity common.Hash, _ time.Duration) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attempt("register_identity"); err != nil {
		return Receipt{}, err
	}
	if _, ok := m.identities[holder]; ok {
		return Receipt{}, errspkg.AlreadyRegistered("register_identity", fmt.Errorf("identity already registered for %s", holder.Hex()))
	}
	m.identities[holder] = identity
	return m.receipt("register_identity", holder.Bytes(), identity.Bytes()), nil
}

func (m *Memory) IsIssuable(_ context.Context, token common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attempt("is_issuable"); err != nil {
		return false, err
	}
	return m.issuable[token], nil
}

func (m *Memory) SetIssuable(_ context.Context, token common.Address, issuable bool) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attempt("set_issuable"); err != nil {
		return Receipt{}, err
	}
	m.issuable[token] = issuable
	return m.receipt("set_issuable", token.Bytes()), nil
}

func (m *Memory) Issue(_ context.Context, token, to common.Address, amount *big.Int, data []byte) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attempt("issue"); err != nil {
		return Receipt{}, err
	}
	if !m.issuable[token] {
		return Receipt{}, errspkg.Ledger("issue", fmt.Errorf("token %s is not issuable", token.Hex()))
	}
	m.credit(token, to, amount)
	return m.receipt("issue", token.Bytes(), to.Bytes(), amount.Bytes(), data), nil
}

func (m *Memory) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attempt("balance_of"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(m.balance(token, holder)), nil
}

func (m *Memory) Transfer(_ context.Context, token common.Address, from *ecdsa.PrivateKey, to common.Address, amount *big.Int, data []byte) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attempt("transfer"); err != nil {
		return Receipt{}, err
	}
	sender := crypto.PubkeyToAddress(from.PublicKey)
	have := m.balance(token, sender)
	if have.Cmp(amount) < 0 {
		return Receipt{}, errspkg.Ledger("transfer", fmt.Errorf("insufficient balance: have %s, need %s", have, amount))
	}
	have.Sub(have, amount)
	m.credit(token, to, amount)
	return m.receipt("transfer", token.Bytes(), sender.Bytes(), to.Bytes(), amount.Bytes(), data), nil
}

func (m *Memory) attempt(op string) error {
	m.calls[op]++
	if m.failures[op] > 0 {
		m.failures[op]--
		return errspkg.Ledger(op, fmt.Errorf("simulated %s failure", op))
	}
	return nil
}

func (m *Memory) balance(token, holder common.Address) *big.Int {
	holders, ok := m.balances[token]
	if !ok {
		holders = map[common.Address]*big.Int{}
		m.balances[token] = holders
	}
	b, ok := holders[holder]
	if !ok {
		b = new(big.Int)
		holders[holder] = b
	}
	return b
}

func (m *Memory) credit(token, holder common.Address, amount *big.Int) {
	b := m.balance(token, holder)
	b.Add(b, amount)
}

func (m *Memory) receipt(op string, parts ...[]byte) Receipt {
	m.block++
	parts = append(parts, []byte(op), new(big.Int).SetUint64(m.block).Bytes())
	return Receipt{TxHash: crypto.Keccak256Hash(parts...).Hex(), BlockNumber: m.block}
}
