package ledger

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
)

// Backend is what EthLedger needs from a node connection. *ethclient.Client
// implements it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EthConfig holds the chain parameters and signing keys.
type EthConfig struct {
	ChainID   *big.Int
	Issuer    *ecdsa.PrivateKey
	Registrar *ecdsa.PrivateKey
	Registry  common.Address
}

// EthLedger talks to EVM contracts over JSON-RPC.
type EthLedger struct {
	backend Backend
	cfg     EthConfig
	logger  loggingpkg.ServiceLogger
	close   func()
}

var _ Ledger = (*EthLedger)(nil)

// NewEthLedger wraps an existing backend.
func NewEthLedger(backend Backend, cfg EthConfig, logger loggingpkg.ServiceLogger) (*EthLedger, error) {
	if backend == nil {
		return nil, stdErrors.New("ledger: backend is required")
	}
	if cfg.ChainID == nil || cfg.Issuer == nil {
		return nil, stdErrors.New("ledger: chain id and issuer key are required")
	}
	if cfg.Registrar == nil {
		cfg.Registrar = cfg.Issuer
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &EthLedger{backend: backend, cfg: cfg, logger: logger.With(loggingpkg.LogFields{"component": "ledger"})}, nil
}

// DialEth connects to a JSON-RPC endpoint.
func DialEth(ctx context.Context, url string, cfg EthConfig, logger loggingpkg.ServiceLogger) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	l, err := NewEthLedger(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.close = client.Close
	return l, nil
}

// Close releases the node connection when the ledger dialed it.
func (l *EthLedger) Close() {
	if l.close != nil {
		l.close()
	}
}

func (l *EthLedger) token(address common.Address) *bind.BoundContract {
	return bind.NewBoundContract(address, tokenABI, l.backend, l.backend, l.backend)
}

func (l *EthLedger) RegisterIdentity(ctx context.Context, holder common.Address, identity common.Hash, validity time.Duration) (Receipt, error) {
	registry := bind.NewBoundContract(l.cfg.Registry, registryABI, l.backend, l.backend, l.backend)
	seconds := big.NewInt(int64(validity / time.Second))
	return l.transact(ctx, "register_identity", l.cfg.Registrar, registry, "verifyIdentity", holder, identity, seconds)
}

func (l *EthLedger) IsIssuable(ctx context.Context, token common.Address) (bool, error) {
	out, err := l.call(ctx, "is_issuable", l.token(token), "isIssuable")
	if err != nil {
		return false, err
	}
	issuable, ok := out[0].(bool)
	if !ok {
		return false, errspkg.Ledger("is_issuable", fmt.Errorf("unexpected result %T", out[0]))
	}
	return issuable, nil
}

func (l *EthLedger) SetIssuable(ctx context.Context, token common.Address, issuable bool) (Receipt, error) {
	return l.transact(ctx, "set_issuable", l.cfg.Issuer, l.token(token), "setIssuable", issuable)
}

func (l *EthLedger) Issue(ctx context.Context, token, to common.Address, amount *big.Int, data []byte) (Receipt, error) {
	return l.transact(ctx, "issue", l.cfg.Issuer, l.token(token), "issue", to, amount, data)
}

func (l *EthLedger) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := l.call(ctx, "balance_of", l.token(token), "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errspkg.Ledger("balance_of", fmt.Errorf("unexpected result %T", out[0]))
	}
	return balance, nil
}

func (l *EthLedger) Transfer(ctx context.Context, token common.Address, from *ecdsa.PrivateKey, to common.Address, amount *big.Int, data []byte) (Receipt, error) {
	return l.transact(ctx, "transfer", from, l.token(token), "transfer", to, amount, data)
}

func (l *EthLedger) call(ctx context.Context, op string, contract *bind.BoundContract, method string, args ...any) ([]any, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, errspkg.Ledger(op, err)
	}
	if len(out) == 0 {
		return nil, errspkg.Ledger(op, fmt.Errorf("%s returned no values", method))
	}
	return out, nil
}

func (l *EthLedger) transact(ctx context.Context, op string, key *ecdsa.PrivateKey, contract *bind.BoundContract, method string, args ...any) (Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, l.cfg.ChainID)
	if err != nil {
		return Receipt{}, errspkg.Ledger(op, err)
	}
	opts.Context = ctx

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return Receipt{}, classify(op, err)
	}
	fields := loggingpkg.LogFields{"method": method, "tx_hash": tx.Hash().Hex()}
	l.logger.Debug("Transaction submitted", fields)

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return Receipt{}, errspkg.Ledger(op, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, errspkg.Ledger(op, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	l.logger.Info("Transaction mined", fields)
	return Receipt{TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}
