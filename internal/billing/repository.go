package billing

import (
	"context"

	"github.com/ledgerline/ledgerline/internal/party"
)

// Repository is the persistence port driven by the billing service.
type Repository interface {
	// WithTx runs fn inside one transaction. Everything fn does through the
	// Tx handle commits or rolls back atomically.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// GetDocument loads a document with its entries, without locking.
	GetDocument(ctx context.Context, id int64) (*Document, error)
}

// Tx exposes the operations available inside a transition's transaction.
type Tx interface {
	// LoadDocumentForUpdate loads a document with its entries and holds an
	// exclusive row lock on it until the transaction ends.
	LoadDocumentForUpdate(ctx context.Context, id int64) (*Document, error)
	// InsertDocument persists a new document and its entries, assigning ids.
	InsertDocument(ctx context.Context, doc *Document) error
	// UpdateDocument persists lifecycle fields of an existing document.
	UpdateDocument(ctx context.Context, doc *Document) error
	// NextSeriesNumber increments and returns the series sequence scoped by
	// provider and document kind. Numbers are strictly increasing and never
	// reused; the sequence row stays locked until the transaction ends.
	NextSeriesNumber(ctx context.Context, providerID int64, kind DocumentKind, series string) (int64, error)
	// ClaimIdempotencyKey claims a signal key inside this transaction, so
	// the claim commits or rolls back together with the work it guards.
	// A key claimed before yields shared.ErrIdempotencyConflict.
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}

// PartyStore is the read-only party collaborator the core consumes.
type PartyStore interface {
	GetCustomer(ctx context.Context, id int64) (*party.Customer, error)
	GetProvider(ctx context.Context, id int64) (*party.Provider, error)
}
