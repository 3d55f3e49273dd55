package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/drblury/ledgerflow/internal/ledger"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/store"
)

// WalletProvisioner creates one custodial wallet per customer.
type WalletProvisioner struct {
	wallets store.Wallets
	ledger  ledger.Ledger
	cipher  KeyCipher
	settings
}

// NewWalletProvisioner wires the wallet workflow.
func NewWalletProvisioner(wallets store.Wallets, l ledger.Ledger, cipher KeyCipher, opts ...Option) *WalletProvisioner {
	return &WalletProvisioner{
		wallets:  wallets,
		ledger:   l,
		cipher:   cipher,
		settings: newSettings("wallet_provisioner", opts),
	}
}

// Handle provisions the wallet for a customer.created event.
func (p *WalletProvisioner) Handle(ctx context.Context, evt envelope.CustomerCreated) error {
	_, err := p.Provision(ctx, evt.CustomerID, evt.KYC, evt.IdentificationRef)
	return err
}

// Provision returns the customer's wallet, creating it when absent. The
// record is only stored after the identity registration is mined.
func (p *WalletProvisioner) Provision(ctx context.Context, customerID, kyc, identificationRef string) (*store.Wallet, error) {
	const op = "provision_wallet"
	fields := loggingpkg.LogFields{"customer_id": customerID}

	existing, err := p.wallets.GetWallet(ctx, customerID)
	switch {
	case err == nil:
		p.logger.Info("Wallet already provisioned", withField(fields, "address", existing.Address))
		return existing, nil
	case !stdErrors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%s: load wallet %s: %w", op, customerID, err)
	}

	account, err := ledger.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sealed, err := p.cipher.Encrypt(account.HexKey())
	if err != nil {
		return nil, fmt.Errorf("%s: encrypt key: %w", op, err)
	}

	receipt, err := p.ledger.RegisterIdentity(ctx, account.Address, ledger.IdentityHash(kyc, identificationRef), p.validity)
	if err != nil {
		return nil, asLedgerErr(op, err)
	}

	w := &store.Wallet{
		CustomerID:        customerID,
		Address:           account.Address.Hex(),
		EncryptedKey:      sealed,
		KYCRef:            kyc,
		IdentificationRef: identificationRef,
	}
	if err := p.wallets.CreateWallet(ctx, w); err != nil {
		if stdErrors.Is(err, store.ErrAlreadyExists) {
			return p.wallets.GetWallet(ctx, customerID)
		}
		return nil, fmt.Errorf("%s: store wallet: %w", op, err)
	}
	p.logger.Info("Wallet provisioned", withField(fields, "address", w.Address, "tx_hash", receipt.TxHash))
	return w, nil
}
