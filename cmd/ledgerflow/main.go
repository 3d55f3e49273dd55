// Command ledgerflow runs the event-processing worker.
package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/drblury/ledgerflow"
	"github.com/drblury/ledgerflow/internal/keystore"
	"github.com/drblury/ledgerflow/internal/ledger"
	"github.com/drblury/ledgerflow/internal/store"
	"github.com/drblury/ledgerflow/internal/store/memstore"
	"github.com/drblury/ledgerflow/internal/store/postgres"
	"github.com/drblury/ledgerflow/internal/workflow"
	_ "github.com/drblury/ledgerflow/transport/transports"
)

// localSecret only ever protects keys of the in-memory ledger; config
// validation requires ENCRYPTION_KEY whenever ETH_RPC_URL is set.
const localSecret = "ledgerflow-local"

func main() {
	logger := ledgerflow.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	if err := run(logger); err != nil && !stdErrors.Is(err, context.Canceled) {
		logger.Error("ledgerflow stopped", err, nil)
		os.Exit(1)
	}
}

func run(logger ledgerflow.ServiceLogger) error {
	cfg, err := ledgerflow.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := seedContracts(ctx, st, cfg.EstateContracts); err != nil {
		return err
	}

	l, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	secret := cfg.EncryptionKey
	if secret == "" {
		logger.Info("No ENCRYPTION_KEY set, using the local development secret", nil)
		secret = localSecret
	}
	cipher, err := keystore.New(secret)
	if err != nil {
		return err
	}

	deps := ledgerflow.ServiceDependencies{Notifications: st}
	if cfg.RedisAddr != "" {
		dedup := ledgerflow.NewRedisDeduperFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupTTL)
		defer dedup.Close()
		if err := dedup.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		deps.Deduper = dedup
	} else {
		deps.Deduper = ledgerflow.NewMemoryDeduper(cfg.DedupTTL)
	}
	if cfg.SlackWebhookURL != "" {
		deps.Alerter = ledgerflow.NewWebhookAlerter(cfg.SlackWebhookURL, cfg.AlertInterval, cfg.AlertBurst)
	}

	svc, err := ledgerflow.NewService(cfg, logger, deps)
	if err != nil {
		return err
	}

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithDecimals(uint8(cfg.TokenDecimals)),
		workflow.WithIdentityValidity(cfg.IdentityValidity),
	}
	wallets := workflow.NewWalletProvisioner(st, l, cipher, opts...)
	issuer := workflow.NewIssuer(st, l, opts...)
	settler := workflow.NewSettler(st, l, cipher, opts...)

	for _, h := range []struct {
		topic string
		group string
		entry ledgerflow.Entry
	}{
		{ledgerflow.TopicCustomerCreated, cfg.WalletGroup, ledgerflow.Typed(wallets.Handle)},
		{ledgerflow.TopicSubscriptionAccept, cfg.IssuanceGroup, ledgerflow.Typed(issuer.Issue)},
		{ledgerflow.TopicTransactionCreated, cfg.SettlementGroup, ledgerflow.Typed(settler.Settle)},
	} {
		if err := svc.Handle(h.topic, h.group, h.entry); err != nil {
			return fmt.Errorf("register %s: %w", h.topic, err)
		}
	}

	return svc.Start(ctx)
}

func openStore(ctx context.Context, cfg *ledgerflow.Config, logger ledgerflow.ServiceLogger) (store.Store, error) {
	if cfg.PostgresURL == "" {
		logger.Info("No POSTGRES_URL set, using in-memory store", nil)
		return memstore.New(), nil
	}
	pg, err := postgres.Open(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	return pg, nil
}

func seedContracts(ctx context.Context, st store.Contracts, contracts map[string]string) error {
	for estateID, address := range contracts {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("estate %s: invalid contract address %q", estateID, address)
		}
		if err := st.PutContract(ctx, &store.Contract{EstateID: estateID, Address: common.HexToAddress(address).Hex()}); err != nil {
			return fmt.Errorf("estate %s: %w", estateID, err)
		}
	}
	return nil
}

func openLedger(ctx context.Context, cfg *ledgerflow.Config, logger ledgerflow.ServiceLogger) (ledger.Ledger, func(), error) {
	if cfg.EthRPCURL == "" {
		logger.Info("No ETH_RPC_URL set, using in-memory ledger", nil)
		return ledger.NewMemory(), func() {}, nil
	}
	issuer, err := ledger.ParseKey(cfg.IssuerPrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("issuer key: %w", err)
	}
	ethCfg := ledger.EthConfig{
		ChainID:  big.NewInt(cfg.EthChainID),
		Issuer:   issuer,
		Registry: common.HexToAddress(cfg.RegistryAddress),
	}
	if cfg.RegistrarPrivateKey != "" {
		if ethCfg.Registrar, err = ledger.ParseKey(cfg.RegistrarPrivateKey); err != nil {
			return nil, nil, fmt.Errorf("registrar key: %w", err)
		}
	}
	eth, err := ledger.DialEth(ctx, cfg.EthRPCURL, ethCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return eth, eth.Close, nil
}
