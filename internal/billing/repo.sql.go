package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/party"
	"github.com/ledgerline/ledgerline/internal/platform/db"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// PGRepository provides PostgreSQL backed persistence for billing documents.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository using the provided pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx executes fn inside a read-committed transaction. Row locks taken
// through the Tx handle are held until commit or rollback.
func (r *PGRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("billing: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	return mapConcurrencyErr(err)
}

// mapConcurrencyErr converts serialization failures and deadlock aborts into
// ErrInvalidTransition. By the time Postgres raises either, another caller
// has transitioned one of the contended documents, so the right guidance is
// the same as for a lost precondition: re-fetch and look at the new state.
func mapConcurrencyErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, pgErr.Message)
	}
	return err
}

const documentColumns = `id, kind, state, series, number, customer_id, provider_id, currency,
sales_tax_percent, sales_tax_name, is_storno, issue_date, due_date, paid_date, cancel_date,
archived_customer, archived_provider, related_document_id, created_at, updated_at`

// GetDocument loads a document with its entries, without locking.
func (r *PGRepository) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM billing_documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	doc.Entries, err = loadEntries(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type pgTx struct {
	tx pgx.Tx
}

// LoadDocumentForUpdate loads a document and holds an exclusive row lock on
// it for the remainder of the transaction. Locks on different documents do
// not block each other.
func (t *pgTx) LoadDocumentForUpdate(ctx context.Context, id int64) (*Document, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM billing_documents WHERE id = $1 FOR UPDATE`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	doc.Entries, err = loadEntries(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// InsertDocument persists a new document and its entries.
func (t *pgTx) InsertDocument(ctx context.Context, doc *Document) error {
	archivedCustomer, archivedProvider, err := marshalSnapshots(doc)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `INSERT INTO billing_documents
(kind, state, series, number, customer_id, provider_id, currency, sales_tax_percent, sales_tax_name,
 is_storno, issue_date, due_date, paid_date, cancel_date, archived_customer, archived_provider,
 related_document_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
RETURNING id`,
		doc.Kind, doc.State, doc.Series, doc.Number, doc.CustomerID, doc.ProviderID, doc.Currency,
		decimalString(doc.SalesTaxPercent), doc.SalesTaxName, doc.IsStorno,
		doc.IssueDate, doc.DueDate, doc.PaidDate, doc.CancelDate,
		archivedCustomer, archivedProvider, doc.RelatedDocumentID,
		doc.CreatedAt, doc.UpdatedAt,
	).Scan(&doc.ID)
	if err != nil {
		return err
	}
	for i := range doc.Entries {
		e := &doc.Entries[i]
		err = t.tx.QueryRow(ctx, `INSERT INTO billing_entries (document_id, position, name, quantity, unit_price)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			doc.ID, i, e.Name, e.Quantity.String(), e.UnitPrice.String(),
		).Scan(&e.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateDocument persists the lifecycle fields of an existing document.
// Entries are immutable once attached, so they are never updated here.
func (t *pgTx) UpdateDocument(ctx context.Context, doc *Document) error {
	archivedCustomer, archivedProvider, err := marshalSnapshots(doc)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE billing_documents SET
state = $2, series = $3, number = $4, issue_date = $5, due_date = $6, paid_date = $7,
cancel_date = $8, archived_customer = $9, archived_provider = $10, related_document_id = $11,
updated_at = $12
WHERE id = $1`,
		doc.ID, doc.State, doc.Series, doc.Number, doc.IssueDate, doc.DueDate, doc.PaidDate,
		doc.CancelDate, archivedCustomer, archivedProvider, doc.RelatedDocumentID, doc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, doc.ID)
	}
	return nil
}

// NextSeriesNumber increments the per-provider, per-kind series sequence.
// The upsert locks the sequence row, so concurrent issuance in the same
// series serializes and never yields duplicates.
func (t *pgTx) NextSeriesNumber(ctx context.Context, providerID int64, kind DocumentKind, series string) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `INSERT INTO series_sequences (provider_id, kind, series, last_value)
VALUES ($1, $2, $3, 1)
ON CONFLICT (provider_id, kind, series)
DO UPDATE SET last_value = series_sequences.last_value + 1
RETURNING last_value`, providerID, kind, series).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ClaimIdempotencyKey claims a signal key through the transaction, tying
// the claim's fate to the surrounding transition.
func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimKey(ctx, t.tx, key, module)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadEntries(ctx context.Context, q queryer, documentID int64) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT id, name, quantity, unit_price FROM billing_entries
WHERE document_id = $1 ORDER BY position, id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                  Entry
			quantity, unitCost string
		)
		if err := rows.Scan(&e.ID, &e.Name, &quantity, &unitCost); err != nil {
			return nil, err
		}
		if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("billing: entry %d quantity: %w", e.ID, err)
		}
		if e.UnitPrice, err = decimal.NewFromString(unitCost); err != nil {
			return nil, fmt.Errorf("billing: entry %d unit price: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc                                Document
		taxPercent                         *string
		archivedCustomer, archivedProvider []byte
	)
	err := row.Scan(&doc.ID, &doc.Kind, &doc.State, &doc.Series, &doc.Number, &doc.CustomerID,
		&doc.ProviderID, &doc.Currency, &taxPercent, &doc.SalesTaxName, &doc.IsStorno,
		&doc.IssueDate, &doc.DueDate, &doc.PaidDate, &doc.CancelDate,
		&archivedCustomer, &archivedProvider, &doc.RelatedDocumentID,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if taxPercent != nil {
		pct, err := decimal.NewFromString(*taxPercent)
		if err != nil {
			return nil, fmt.Errorf("billing: document %d tax percent: %w", doc.ID, err)
		}
		doc.SalesTaxPercent = &pct
	}
	if len(archivedCustomer) > 0 {
		doc.ArchivedCustomer = &party.Snapshot{}
		if err := json.Unmarshal(archivedCustomer, doc.ArchivedCustomer); err != nil {
			return nil, err
		}
	}
	if len(archivedProvider) > 0 {
		doc.ArchivedProvider = &party.Snapshot{}
		if err := json.Unmarshal(archivedProvider, doc.ArchivedProvider); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

func marshalSnapshots(doc *Document) ([]byte, []byte, error) {
	var customerJSON, providerJSON []byte
	var err error
	if doc.ArchivedCustomer != nil {
		if customerJSON, err = json.Marshal(doc.ArchivedCustomer); err != nil {
			return nil, nil, err
		}
	}
	if doc.ArchivedProvider != nil {
		if providerJSON, err = json.Marshal(doc.ArchivedProvider); err != nil {
			return nil, nil, err
		}
	}
	return customerJSON, providerJSON, nil
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
