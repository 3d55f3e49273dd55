package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/drblury/ledgerflow/internal/ledger"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/store"
)

// SettlementStore is what the settler needs from the document store.
type SettlementStore interface {
	store.Wallets
	store.Contracts
	store.Transfers
}

// Settler moves traded tokens from seller to buyer.
type Settler struct {
	store  SettlementStore
	ledger ledger.Ledger
	cipher KeyCipher
	settings
}

// NewSettler wires the settlement workflow.
func NewSettler(s SettlementStore, l ledger.Ledger, cipher KeyCipher, opts ...Option) *Settler {
	return &Settler{store: s, ledger: l, cipher: cipher, settings: newSettings("trade_settler", opts)}
}

type tradeMetadata struct {
	TradeID    string `json:"trade_id"`
	EstateID   string `json:"estate_id"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	TokenPrice string `json:"token_price"`
	TradeDate  string `json:"trade_date"`
}

// Settle transfers evt.TradeTokenAmount tokens, signed with the seller's key.
// A trade that is already TRANSFERRED is a no-op.
func (s *Settler) Settle(ctx context.Context, evt envelope.TradeCreated) error {
	const op = "settle_trade"
	fields := loggingpkg.LogFields{"trade_id": evt.TradeID, "estate_id": evt.EstateID, "buyer_id": evt.BuyerID, "seller_id": evt.SellerID}

	buyer, err := s.store.GetWallet(ctx, evt.BuyerID)
	if err != nil {
		return lookupErr(op, "buyer wallet", evt.BuyerID, err)
	}
	buyerAddr, err := walletAddress(op, buyer)
	if err != nil {
		return err
	}
	seller, err := s.store.GetWallet(ctx, evt.SellerID)
	if err != nil {
		return lookupErr(op, "seller wallet", evt.SellerID, err)
	}
	sellerAddr, err := walletAddress(op, seller)
	if err != nil {
		return err
	}
	contract, err := s.store.GetContract(ctx, evt.EstateID)
	if err != nil {
		return lookupErr(op, "contract", evt.EstateID, err)
	}
	token, err := contractAddress(op, contract)
	if err != nil {
		return err
	}

	rec, err := s.record(ctx, evt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rec.Status == store.TransferTransferred {
		s.logger.Info("Trade already settled", withField(fields, "transfer_id", rec.ID, "tx_hash", rec.TxHash))
		return nil
	}

	fail := func(err error) error {
		if cerr := s.store.CompleteTransfer(ctx, rec.ID, store.TransferFailed, "", failureReason(err)); cerr != nil {
			s.logger.Error("Failed to mark transfer failed", cerr, withField(fields, "transfer_id", rec.ID))
		}
		return err
	}

	keyHex, err := s.cipher.Decrypt(seller.EncryptedKey)
	if err != nil {
		return fail(errspkg.KeyMaterial(op, fmt.Errorf("decrypt seller key: %w", err)))
	}
	key, err := ledger.ParseKey(keyHex)
	if err != nil {
		return fail(errspkg.KeyMaterial(op, fmt.Errorf("seller key: %w", err)))
	}
	if crypto.PubkeyToAddress(key.PublicKey) != sellerAddr {
		return fail(errspkg.KeyMaterial(op, fmt.Errorf("seller key does not match wallet %s", seller.Address)))
	}

	amount := ledger.ScaleAmount(evt.TradeTokenAmount, s.decimals)
	balance, err := s.ledger.BalanceOf(ctx, token, sellerAddr)
	if err != nil {
		return fail(asLedgerErr(op, err))
	}
	if balance.Cmp(amount) < 0 {
		return fail(errspkg.Ledger(op, fmt.Errorf("seller %s balance %s below %s", evt.SellerID, balance, amount)))
	}

	hash, err := ledger.MetadataHash(tradeMetadata{
		TradeID:    evt.TradeID,
		EstateID:   evt.EstateID,
		BuyerID:    evt.BuyerID,
		SellerID:   evt.SellerID,
		TokenPrice: evt.TokenPrice,
		TradeDate:  evt.TradeDate.Format(time.RFC3339),
	})
	if err != nil {
		return fail(fmt.Errorf("%s: %w", op, err))
	}
	receipt, err := s.ledger.Transfer(ctx, token, key, buyerAddr, amount, hash.Bytes())
	if err != nil {
		return fail(asLedgerErr(op, err))
	}
	if err := s.store.CompleteTransfer(ctx, rec.ID, store.TransferTransferred, receipt.TxHash, ""); err != nil {
		return fmt.Errorf("%s: complete transfer %s: %w", op, rec.ID, err)
	}
	s.logger.Info("Trade settled", withField(fields, "transfer_id", rec.ID, "tx_hash", receipt.TxHash))
	return nil
}

func (s *Settler) record(ctx context.Context, evt envelope.TradeCreated) (*store.Transfer, error) {
	rec, err := s.store.FindActiveTransfer(ctx, evt.TradeID)
	if err == nil {
		return rec, nil
	}
	if !stdErrors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find transfer: %w", err)
	}
	rec = &store.Transfer{
		TradeID:          evt.TradeID,
		EstateID:         evt.EstateID,
		BuyerID:          evt.BuyerID,
		SellerID:         evt.SellerID,
		TokenPrice:       evt.TokenPrice,
		TradeTokenAmount: evt.TradeTokenAmount,
		TradeDate:        evt.TradeDate,
		Status:           store.TransferPending,
	}
	if err := s.store.CreateTransfer(ctx, rec); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	return rec, nil
}
