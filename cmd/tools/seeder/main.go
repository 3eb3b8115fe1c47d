package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/purchase"
)

// Seeds a local database with profiles and purchases covering every ledger
// state the webhook and the sweep handle.
func main() {
	logger := obs.NewLogger("console", "info")
	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer conn.Close(context.Background())

	admin, buyers := seedProfiles(ctx, conn, logger)
	seedPurchases(ctx, conn, buyers, logger)

	logger.Info().Str("admin_id", admin.String()).Msg("seeding completed; sign an HS256 token with this subject to call /admin endpoints")
}

func seedProfiles(ctx context.Context, conn *pgx.Conn, logger zerolog.Logger) (uuid.UUID, []uuid.UUID) {
	profiles := []struct {
		Key  string
		Role string
	}{
		{"admin@lensa.dev", "admin"},
		{"ops@lensa.dev", "admin"},
		{"ana@example.com", "user"},
		{"bruno@example.com", "user"},
		{"carla@example.com", "user"},
	}

	logger.Info().Msg("seeding profiles")
	var admin uuid.UUID
	var buyers []uuid.UUID
	for i, p := range profiles {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.Key))
		_, err := conn.Exec(ctx, `
			INSERT INTO profiles (id, role) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role`, id, p.Role)
		if err != nil {
			logger.Error().Err(err).Str("profile", p.Key).Msg("seed profile")
			continue
		}
		if i == 0 {
			admin = id
		}
		if p.Role == "user" {
			buyers = append(buyers, id)
		}
	}
	return admin, buyers
}

func seedPurchases(ctx context.Context, conn *pgx.Conn, buyers []uuid.UUID, logger zerolog.Logger) {
	if len(buyers) == 0 {
		logger.Warn().Msg("no buyer profiles, skipping purchases")
		return
	}
	now := time.Now().UTC()
	batch := purchase.BatchPaymentReference("batch_" + uuid.NewString()[:8])

	rows := []struct {
		Status    purchase.Status
		Reference string
		Amount    string
		Age       time.Duration
	}{
		// Awaiting a webhook.
		{purchase.StatusPending, "", "49.90", 2 * time.Minute},
		// Stale with a known provider payment: the sweep can repair these.
		{purchase.StatusPending, "seed-stale-1|mp:1000000001", "19.90", 30 * time.Minute},
		{purchase.StatusPending, batch + "|mp:1000000002", "9.90", 45 * time.Minute},
		{purchase.StatusPending, batch + "|mp:1000000002", "9.90", 45 * time.Minute},
		// Stale without a provider payment id.
		{purchase.StatusPending, "seed-legacy", "29.90", 2 * time.Hour},
		{purchase.StatusCompleted, "1000000003", "59.90", 24 * time.Hour},
		{purchase.StatusFailed, "1000000004", "15.00", 48 * time.Hour},
	}

	logger.Info().Int("count", len(rows)).Msg("seeding purchases")
	for i, row := range rows {
		var reference *string
		if row.Reference != "" {
			ref := row.Reference
			reference = &ref
		}
		amount := decimal.RequireFromString(row.Amount)
		created := now.Add(-row.Age)
		_, err := conn.Exec(ctx, `
			INSERT INTO purchases (id, buyer_id, photo_id, amount, status, payment_reference, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			uuid.New(), buyers[i%len(buyers)], uuid.New(), amount.StringFixed(2), string(row.Status), reference, created)
		if err != nil {
			logger.Error().Err(err).Int("row", i).Str("status", string(row.Status)).Msg("seed purchase")
		}
	}
}
