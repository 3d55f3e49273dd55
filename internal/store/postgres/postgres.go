// Package postgres implements store.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/drblury/ledgerflow/internal/runtime/ids"
	"github.com/drblury/ledgerflow/internal/runtime/jsoncodec"
	"github.com/drblury/ledgerflow/internal/store"
)

const uniqueViolation = "23505"

// Schema creates every table the store needs. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
	customer_id        TEXT PRIMARY KEY,
	address            TEXT NOT NULL,
	encrypted_key      TEXT NOT NULL,
	kyc_ref            TEXT NOT NULL,
	identification_ref TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS contracts (
	estate_id  TEXT PRIMARY KEY,
	address    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS coin_issuances (
	id             TEXT PRIMARY KEY,
	customer_id    TEXT NOT NULL,
	estate_id      TEXT NOT NULL,
	amount         BIGINT NOT NULL,
	token_price    NUMERIC NOT NULL,
	issued_on      TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	tx_hash        TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS coin_issuances_key ON coin_issuances (customer_id, estate_id, amount, issued_on);
CREATE TABLE IF NOT EXISTS token_transfers (
	id                 TEXT PRIMARY KEY,
	trade_id           TEXT NOT NULL,
	estate_id          TEXT NOT NULL,
	buyer_id           TEXT NOT NULL,
	seller_id          TEXT NOT NULL,
	token_price        NUMERIC NOT NULL,
	trade_token_amount BIGINT NOT NULL,
	trade_date         TIMESTAMPTZ NOT NULL,
	status             TEXT NOT NULL,
	tx_hash            TEXT NOT NULL DEFAULT '',
	failure_reason     TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_transfers_trade ON token_transfers (trade_id);
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	data       JSONB,
	is_read    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_subject ON notifications (subject_id, created_at DESC);
`

// Store is a PostgreSQL backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects with the lib/pq driver and pings the server.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetWallet(ctx context.Context, customerID string) (*store.Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT customer_id, address, encrypted_key, kyc_ref, identification_ref, created_at FROM wallets WHERE customer_id = $1",
		customerID)
	var w store.Wallet
	if err := row.Scan(&w.CustomerID, &w.Address, &w.EncryptedKey, &w.KYCRef, &w.IdentificationRef, &w.CreatedAt); err != nil {
		return nil, notFound(err, "get wallet")
	}
	return &w, nil
}

func (s *Store) CreateWallet(ctx context.Context, w *store.Wallet) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO wallets (customer_id, address, encrypted_key, kyc_ref, identification_ref, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		w.CustomerID, w.Address, w.EncryptedKey, w.KYCRef, w.IdentificationRef, w.CreatedAt)
	return insertErr(err, "create wallet")
}

func (s *Store) GetContract(ctx context.Context, estateID string) (*store.Contract, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT estate_id, address, created_at FROM contracts WHERE estate_id = $1", estateID)
	var c store.Contract
	if err := row.Scan(&c.EstateID, &c.Address, &c.CreatedAt); err != nil {
		return nil, notFound(err, "get contract")
	}
	return &c, nil
}

func (s *Store) PutContract(ctx context.Context, c *store.Contract) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (estate_id, address, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (estate_id) DO UPDATE SET address = EXCLUDED.address`,
		c.EstateID, c.Address, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("put contract: %w", err)
	}
	return nil
}

const issuanceColumns = "id, customer_id, estate_id, amount, token_price, issued_on, status, tx_hash, failure_reason, created_at, updated_at"

func scanIssuance(row *sql.Row) (*store.Issuance, error) {
	var i store.Issuance
	var status string
	err := row.Scan(&i.ID, &i.CustomerID, &i.EstateID, &i.Amount, &i.TokenPrice, &i.Date,
		&status, &i.TxHash, &i.FailureReason, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.Status = store.IssuanceStatus(status)
	return &i, nil
}

func (s *Store) FindActiveIssuance(ctx context.Context, key store.IssuanceKey) (*store.Issuance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+issuanceColumns+" FROM coin_issuances WHERE customer_id = $1 AND estate_id = $2 AND amount = $3 AND issued_on = $4 AND status <> 'FAILED' ORDER BY created_at DESC LIMIT 1",
		key.CustomerID, key.EstateID, key.Amount, key.Date)
	i, err := scanIssuance(row)
	if err != nil {
		return nil, notFound(err, "find issuance")
	}
	return i, nil
}

func (s *Store) GetIssuance(ctx context.Context, id string) (*store.Issuance, error) {
	i, err := scanIssuance(s.db.QueryRowContext(ctx, "SELECT "+issuanceColumns+" FROM coin_issuances WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "get issuance")
	}
	return i, nil
}

func (s *Store) CreateIssuance(ctx context.Context, i *store.Issuance) error {
	if i.ID == "" {
		i.ID = ids.New()
	}
	if i.Status == "" {
		i.Status = store.IssuancePending
	}
	now := s.now()
	i.CreatedAt, i.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO coin_issuances ("+issuanceColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		i.ID, i.CustomerID, i.EstateID, i.Amount, i.TokenPrice, i.Date,
		string(i.Status), i.TxHash, i.FailureReason, i.CreatedAt, i.UpdatedAt)
	return insertErr(err, "create issuance")
}

func (s *Store) CompleteIssuance(ctx context.Context, id string, status store.IssuanceStatus, txHash, reason string) error {
	if !status.Terminal() {
		return store.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE coin_issuances SET status = $1, tx_hash = $2, failure_reason = $3, updated_at = $4 WHERE id = $5 AND status = 'PENDING'",
		string(status), txHash, reason, s.now(), id)
	return s.transitionResult(ctx, res, err, "coin_issuances", id)
}

const transferColumns = "id, trade_id, estate_id, buyer_id, seller_id, token_price, trade_token_amount, trade_date, status, tx_hash, failure_reason, created_at, updated_at"

func scanTransfer(row *sql.Row) (*store.Transfer, error) {
	var t store.Transfer
	var status string
	err := row.Scan(&t.ID, &t.TradeID, &t.EstateID, &t.BuyerID, &t.SellerID, &t.TokenPrice, &t.TradeTokenAmount,
		&t.TradeDate, &status, &t.TxHash, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = store.TransferStatus(status)
	return &t, nil
}

func (s *Store) FindActiveTransfer(ctx context.Context, tradeID string) (*store.Transfer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+transferColumns+" FROM token_transfers WHERE trade_id = $1 AND status <> 'FAILED' ORDER BY created_at DESC LIMIT 1",
		tradeID)
	t, err := scanTransfer(row)
	if err != nil {
		return nil, notFound(err, "find transfer")
	}
	return t, nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*store.Transfer, error) {
	t, err := scanTransfer(s.db.QueryRowContext(ctx, "SELECT "+transferColumns+" FROM token_transfers WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "get transfer")
	}
	return t, nil
}

func (s *Store) CreateTransfer(ctx context.Context, t *store.Transfer) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = store.TransferPending
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO token_transfers ("+transferColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		t.ID, t.TradeID, t.EstateID, t.BuyerID, t.SellerID, t.TokenPrice, t.TradeTokenAmount, t.TradeDate,
		string(t.Status), t.TxHash, t.FailureReason, t.CreatedAt, t.UpdatedAt)
	return insertErr(err, "create transfer")
}

func (s *Store) CompleteTransfer(ctx context.Context, id string, status store.TransferStatus, txHash, reason string) error {
	if !status.Terminal() {
		return store.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE token_transfers SET status = $1, tx_hash = $2, failure_reason = $3, updated_at = $4 WHERE id = $5 AND status = 'PENDING'",
		string(status), txHash, reason, s.now(), id)
	return s.transitionResult(ctx, res, err, "token_transfers", id)
}

func (s *Store) SaveNotification(ctx context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = ids.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	data, err := jsoncodec.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO notifications (id, subject_id, type, title, content, data, is_read, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		n.ID, n.SubjectID, string(n.Type), n.Title, n.Content, data, n.IsRead, n.CreatedAt)
	return insertErr(err, "save notification")
}

func (s *Store) ListNotifications(ctx context.Context, subjectID string) ([]store.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject_id, type, title, content, data, is_read, created_at FROM notifications WHERE $1 = '' OR subject_id = $1 ORDER BY created_at DESC",
		subjectID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []store.Notification
	for rows.Next() {
		var n store.Notification
		var kind string
		var data []byte
		if err := rows.Scan(&n.ID, &n.SubjectID, &kind, &n.Title, &n.Content, &data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = store.Severity(kind)
		if len(data) > 0 {
			if err := jsoncodec.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification data: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// transitionResult distinguishes a missing row from a row that already left
// PENDING when a guarded UPDATE touches nothing.
func (s *Store) transitionResult(ctx context.Context, res sql.Result, err error, table, id string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInvalidTransition
}

func notFound(err error, op string) error {
	if stdErrors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func insertErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return store.ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", op, err)
}
