package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStoreUnavailable indicates the database dependency is not configured.
var ErrStoreUnavailable = errors.New("purchase: store unavailable")

// Store is the persistence boundary of the purchase ledger.
type Store interface {
	Get(ctx context.Context, id string) (Purchase, error)
	// CompareAndSetStatus writes next only while the row still holds expected.
	// A nil reference leaves the stored payment reference untouched.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, reference *string) (bool, error)
	// SetPaymentReference rewrites the reference only while the row still holds expected.
	SetPaymentReference(ctx context.Context, id string, expected Status, reference string) (bool, error)
	ListBatchMembers(ctx context.Context, token string) ([]string, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]Purchase, error)
}

// DB is the pgx surface the store needs; *pgxpool.Pool and pgx.Tx satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore constructs a Store backed by pgx.
func NewStore(db DB) Store {
	return &pgStore{db: db}
}

type pgStore struct {
	db DB
}

const purchaseColumns = `id::text, buyer_id::text, photo_id::text, amount, status, payment_reference, created_at, updated_at`

func (s *pgStore) Get(ctx context.Context, id string) (Purchase, error) {
	if s == nil || s.db == nil {
		return Purchase{}, ErrStoreUnavailable
	}
	key, err := uuid.Parse(id)
	if err != nil {
		return Purchase{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, key)
	p, err := scanPurchase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	return p, err
}

func (s *pgStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, reference *string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreUnavailable
	}
	key, err := uuid.Parse(id)
	if err != nil {
		return false, ErrNotFound
	}
	var ref any
	if reference != nil {
		ref = *reference
	}
	tag, err := s.db.Exec(ctx, `UPDATE purchases
SET status = $3, payment_reference = COALESCE($4, payment_reference), updated_at = now()
WHERE id = $1 AND status = $2`, key, string(expected), string(next), ref)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) SetPaymentReference(ctx context.Context, id string, expected Status, reference string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreUnavailable
	}
	key, err := uuid.Parse(id)
	if err != nil {
		return false, ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE purchases SET payment_reference = $3, updated_at = now()
WHERE id = $1 AND status = $2`, key, string(expected), reference)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) ListBatchMembers(ctx context.Context, token string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.db.Query(ctx, `SELECT id::text, payment_reference FROM purchases
WHERE starts_with(payment_reference, $1) ORDER BY created_at, id`, BatchPaymentReference(token))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, reference string
		if err := rows.Scan(&id, &reference); err != nil {
			return nil, err
		}
		if IsBatchMember(reference, token) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (s *pgStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]Purchase, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.db.Query(ctx, `SELECT `+purchaseColumns+` FROM purchases
WHERE status = $1 AND created_at < $2 AND payment_reference IS NOT NULL ORDER BY created_at, id`, string(StatusPending), olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var (
		p      Purchase
		status string
	)
	if err := row.Scan(&p.ID, &p.BuyerID, &p.PhotoID, &p.Amount, &status, &p.PaymentReference, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Purchase{}, err
	}
	p.Status = Status(status)
	return p, nil
}
