package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drblury/ledgerflow/internal/ledger"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/store"
)

// IssuanceStore is what the issuer needs from the document store.
type IssuanceStore interface {
	store.Wallets
	store.Contracts
	store.Issuances
}

// Issuer mints estate coins to subscribers.
type Issuer struct {
	store  IssuanceStore
	ledger ledger.Ledger
	settings
}

// NewIssuer wires the issuance workflow.
func NewIssuer(s IssuanceStore, l ledger.Ledger, opts ...Option) *Issuer {
	return &Issuer{store: s, ledger: l, settings: newSettings("coin_issuer", opts)}
}

type issuanceMetadata struct {
	CustomerID string `json:"customer_id"`
	EstateID   string `json:"estate_id"`
	TokenPrice string `json:"token_price"`
	Date       string `json:"date"`
}

// Issue mints evt.Amount coins of the estate token to the customer's wallet.
// A redelivered event whose record is ISSUED is a no-op; a PENDING record
// is resumed.
func (i *Issuer) Issue(ctx context.Context, evt envelope.SubscriptionAccepted) error {
	const op = "issue_coins"
	fields := loggingpkg.LogFields{"customer_id": evt.CustomerID, "estate_id": evt.EstateID, "amount": evt.Amount}

	wallet, err := i.store.GetWallet(ctx, evt.CustomerID)
	if err != nil {
		return lookupErr(op, "wallet", evt.CustomerID, err)
	}
	to, err := walletAddress(op, wallet)
	if err != nil {
		return err
	}
	contract, err := i.store.GetContract(ctx, evt.EstateID)
	if err != nil {
		return lookupErr(op, "contract", evt.EstateID, err)
	}
	token, err := contractAddress(op, contract)
	if err != nil {
		return err
	}

	rec, err := i.record(ctx, evt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rec.Status == store.IssuanceIssued {
		i.logger.Info("Issuance already completed", withField(fields, "issuance_id", rec.ID, "tx_hash", rec.TxHash))
		return nil
	}

	receipt, err := i.submit(ctx, token, to, evt)
	if err != nil {
		if cerr := i.store.CompleteIssuance(ctx, rec.ID, store.IssuanceFailed, "", failureReason(err)); cerr != nil {
			i.logger.Error("Failed to mark issuance failed", cerr, withField(fields, "issuance_id", rec.ID))
		}
		return asLedgerErr(op, err)
	}
	if err := i.store.CompleteIssuance(ctx, rec.ID, store.IssuanceIssued, receipt.TxHash, ""); err != nil {
		return fmt.Errorf("%s: complete issuance %s: %w", op, rec.ID, err)
	}
	i.logger.Info("Coins issued", withField(fields, "issuance_id", rec.ID, "tx_hash", receipt.TxHash))
	return nil
}

// record returns the active record for the event, creating a PENDING one
// when none exists.
func (i *Issuer) record(ctx context.Context, evt envelope.SubscriptionAccepted) (*store.Issuance, error) {
	key := store.IssuanceKey{CustomerID: evt.CustomerID, EstateID: evt.EstateID, Amount: evt.Amount, Date: evt.Date}
	rec, err := i.store.FindActiveIssuance(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !stdErrors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find issuance: %w", err)
	}
	rec = &store.Issuance{
		CustomerID: evt.CustomerID,
		EstateID:   evt.EstateID,
		Amount:     evt.Amount,
		TokenPrice: evt.TokenPrice,
		Date:       evt.Date,
		Status:     store.IssuancePending,
	}
	if err := i.store.CreateIssuance(ctx, rec); err != nil {
		return nil, fmt.Errorf("create issuance: %w", err)
	}
	return rec, nil
}

func (i *Issuer) submit(ctx context.Context, token, to common.Address, evt envelope.SubscriptionAccepted) (ledger.Receipt, error) {
	issuable, err := i.ledger.IsIssuable(ctx, token)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !issuable {
		if _, err := i.ledger.SetIssuable(ctx, token, true); err != nil {
			return ledger.Receipt{}, err
		}
	}
	hash, err := ledger.MetadataHash(issuanceMetadata{
		CustomerID: evt.CustomerID,
		EstateID:   evt.EstateID,
		TokenPrice: evt.TokenPrice,
		Date:       evt.Date.Format(time.RFC3339),
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	return i.ledger.Issue(ctx, token, to, ledger.ScaleAmount(evt.Amount, i.decimals), hash.Bytes())
}
