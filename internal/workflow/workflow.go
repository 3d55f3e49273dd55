// Package workflow holds the ledger state machines driven by validated
// events: wallet provisioning, coin issuance and trade settlement.
package workflow

import (
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drblury/ledgerflow/internal/ledger"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/store"
)

// DefaultIdentityValidity is how long a registry attestation stays valid.
const DefaultIdentityValidity = 365 * 24 * time.Hour

// KeyCipher seals wallet private keys. keystore.Cipher implements it.
type KeyCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type settings struct {
	logger   loggingpkg.ServiceLogger
	decimals uint8
	validity time.Duration
}

// Option customises a workflow.
type Option func(*settings)

// WithLogger sets the workflow logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDecimals overrides ledger.DefaultDecimals.
func WithDecimals(decimals uint8) Option {
	return func(s *settings) { s.decimals = decimals }
}

// WithIdentityValidity overrides DefaultIdentityValidity.
func WithIdentityValidity(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.validity = d
		}
	}
}

func newSettings(component string, opts []Option) settings {
	s := settings{
		logger:   loggingpkg.NewNopServiceLogger(),
		decimals: ledger.DefaultDecimals,
		validity: DefaultIdentityValidity,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With(loggingpkg.LogFields{"component": component})
	return s
}

// lookupErr maps a missing record to a NotFound pipeline error.
func lookupErr(op, what, id string, err error) error {
	if stdErrors.Is(err, store.ErrNotFound) {
		return errspkg.NotFound(op, "no %s for %s", what, id)
	}
	return fmt.Errorf("%s: load %s %s: %w", op, what, id, err)
}

func walletAddress(op string, w *store.Wallet) (common.Address, error) {
	if !common.IsHexAddress(w.Address) {
		return common.Address{}, errspkg.NotFound(op, "wallet of customer %s has no address", w.CustomerID)
	}
	return common.HexToAddress(w.Address), nil
}

func contractAddress(op string, c *store.Contract) (common.Address, error) {
	if !common.IsHexAddress(c.Address) {
		return common.Address{}, errspkg.NotFound(op, "estate %s has no contract address", c.EstateID)
	}
	return common.HexToAddress(c.Address), nil
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// asLedgerErr keeps an already classified ledger error and classifies the rest.
func asLedgerErr(op string, err error) error {
	if errspkg.KindOf(err) != errspkg.KindInternal {
		return err
	}
	return errspkg.Ledger(op, err)
}

func withField(fields loggingpkg.LogFields, kv ...any) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(fields)+len(kv)/2)
	for k, v := range fields {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
