// Package main is a CLI tool for seeding a demo tenant: opening stock
// via a posted receipt, a warehouse transfer and a reservation. It
// drives the full posting stack, so a freshly migrated database ends
// up with realistic data.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"stockcore/internal/core/id"
	"stockcore/internal/core/types"
	"stockcore/internal/domain/document"
	"stockcore/internal/domain/stock"
	"stockcore/internal/domain/valuation"
	"stockcore/internal/infrastructure/lock"
	"stockcore/internal/infrastructure/storage/postgres"
	"stockcore/internal/infrastructure/storage/postgres/document_repo"
	"stockcore/internal/infrastructure/storage/postgres/stock_repo"
	"stockcore/internal/infrastructure/storage/postgres/valuation_repo"
	"stockcore/pkg/config"
	"stockcore/pkg/logger"
	"stockcore/pkg/numerator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx := logger.WithLogger(context.Background(), log)

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.Database.DSN))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := seedDemoTenant(ctx, buildServices(pool, redisClient, cfg), log); err != nil {
		log.Fatalw("failed to seed demo data", "error", err)
	}
	log.Info("seeding completed successfully")
}

type services struct {
	documents *document.Service
	executor  *stock.Executor
}

func buildServices(pool *postgres.Pool, redisClient *redis.Client, cfg *config.Config) *services {
	txManager := postgres.NewTxManager(pool)
	locker := lock.NewRedisLocker(redisClient)

	ledger := valuation.NewLedger(valuation_repo.NewRepo(txManager), txManager)
	executor := stock.NewExecutor(
		stock_repo.NewMoveRepo(txManager),
		stock_repo.NewLevelRepo(txManager),
		ledger,
		locker,
		txManager,
		stock.Config{LeaseTTL: cfg.Lease.TTL},
	)
	documents := document.NewService(
		document_repo.NewRepo(txManager),
		executor,
		locker,
		txManager,
		postgres.NewOutboxPublisher(txManager),
		numerator.New(pool.Unwrap(), numerator.DefaultConfig()),
		document.Config{LeaseTTL: cfg.Lease.TTL},
	)

	return &services{documents: documents, executor: executor}
}

func seedDemoTenant(ctx context.Context, svc *services, log *logger.Logger) error {
	tenantID := envID("SEED_TENANT_ID")
	actor := envID("SEED_ACTOR_ID")
	log.Infow("seeding demo tenant", "tenant_id", tenantID, "actor", actor)

	productID := id.New()
	mainWarehouse := id.New()
	outletWarehouse := id.New()

	// Opening stock: 100 units at 12.50 into the main warehouse.
	cost := types.MinorUnits(1250)
	receipt, err := svc.documents.Create(ctx, document.CreateRequest{
		TenantID: tenantID,
		Type:     document.TypeReceipt,
		Note:     "demo opening stock",
		Lines: []document.LineInput{
			{ProductID: productID, WarehouseID: mainWarehouse, Quantity: 100, UnitCost: &cost},
		},
		Actor: actor,
	})
	if err != nil {
		return fmt.Errorf("create receipt: %w", err)
	}
	if _, err := svc.documents.Post(ctx, tenantID, receipt.ID, actor); err != nil {
		return fmt.Errorf("post receipt: %w", err)
	}
	log.Infow("posted demo receipt", "number", receipt.Number, "product_id", productID)

	// Replenish the outlet with 30 units out of the main warehouse.
	transfer, err := svc.documents.Create(ctx, document.CreateRequest{
		TenantID: tenantID,
		Type:     document.TypeTransfer,
		Note:     "demo outlet replenishment",
		Lines: []document.LineInput{
			{ProductID: productID, WarehouseID: outletWarehouse, SourceWarehouseID: &mainWarehouse, Quantity: 30},
		},
		Actor: actor,
	})
	if err != nil {
		return fmt.Errorf("create transfer: %w", err)
	}
	if _, err := svc.documents.Post(ctx, tenantID, transfer.ID, actor); err != nil {
		return fmt.Errorf("post transfer: %w", err)
	}
	log.Infow("posted demo transfer", "number", transfer.Number)

	// Hold 10 units for an open order.
	if _, err := svc.executor.Reserve(ctx, stock.ReserveRequest{
		TenantID:       tenantID,
		ProductID:      productID,
		WarehouseID:    mainWarehouse,
		Quantity:       10,
		ReferenceType:  "seed",
		ReferenceID:    id.New(),
		IdempotencyKey: "seed:demo-reservation",
		Actor:          actor,
	}); err != nil {
		return fmt.Errorf("reserve demo stock: %w", err)
	}

	level, err := svc.executor.GetLevel(ctx, tenantID, mainWarehouse, productID)
	if err != nil {
		return err
	}
	log.Infow("demo stock ready",
		"warehouse_id", mainWarehouse,
		"available", level.Available,
		"reserved", level.Reserved,
	)
	return nil
}

// envID reads an ID from the environment, generating one when unset so
// repeated runs seed isolated tenants.
func envID(key string) id.ID {
	value := os.Getenv(key)
	if value == "" {
		return id.New()
	}
	parsed, err := id.Parse(value)
	if err != nil {
		fmt.Printf("invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	return parsed
}
