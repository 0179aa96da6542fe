package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/ledgerline/internal/party"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// memoryRepo is an in-memory Repository with real transaction semantics:
// writes stage inside the transaction and apply only on commit, a document
// loaded for update stays row-locked until the transaction ends, and a
// touched series sequence stays locked the same way. Concurrent transitions
// therefore serialize, and a failed transaction leaves no partial state,
// exactly like the Postgres implementation.
type memoryRepo struct {
	mu       sync.Mutex
	docs     map[int64]*Document
	locks    map[int64]*sync.Mutex
	seqs     map[string]int64
	seqLocks map[string]*sync.Mutex
	keys     map[string]bool
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		docs:     make(map[int64]*Document),
		locks:    make(map[int64]*sync.Mutex),
		seqs:     make(map[string]int64),
		seqLocks: make(map[string]*sync.Mutex),
		keys:     make(map[string]bool),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		repo:    r,
		held:    make(map[int64]*sync.Mutex),
		heldSeq: make(map[string]*sync.Mutex),
		staged:  make(map[int64]*Document),
		seqs:    make(map[string]int64),
	}
	defer tx.releaseAll()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (r *memoryRepo) GetDocument(ctx context.Context, id int64) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (r *memoryRepo) countKind(kind DocumentKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.docs {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

func (r *memoryRepo) rowLock(id int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}

func (r *memoryRepo) seqLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.seqLocks[key]
	if !ok {
		m = &sync.Mutex{}
		r.seqLocks[key] = m
	}
	return m
}

type memoryTx struct {
	repo    *memoryRepo
	held    map[int64]*sync.Mutex
	heldSeq map[string]*sync.Mutex
	staged  map[int64]*Document
	seqs    map[string]int64
	keys    []string
}

func (t *memoryTx) commit() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, doc := range t.staged {
		t.repo.docs[id] = doc
	}
	for key, v := range t.seqs {
		t.repo.seqs[key] = v
	}
	for _, key := range t.keys {
		t.repo.keys[key] = true
	}
}

func (t *memoryTx) releaseAll() {
	for _, m := range t.held {
		m.Unlock()
	}
	for _, m := range t.heldSeq {
		m.Unlock()
	}
	t.held = nil
	t.heldSeq = nil
}

func (t *memoryTx) LoadDocumentForUpdate(ctx context.Context, id int64) (*Document, error) {
	if doc, ok := t.staged[id]; ok {
		return copyDoc(doc), nil
	}
	t.repo.mu.Lock()
	_, ok := t.repo.docs[id]
	t.repo.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if _, alreadyHeld := t.held[id]; !alreadyHeld {
		m := t.repo.rowLock(id)
		m.Lock()
		t.held[id] = m
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return copyDoc(t.repo.docs[id]), nil
}

func (t *memoryTx) InsertDocument(ctx context.Context, doc *Document) error {
	t.repo.mu.Lock()
	t.repo.nextID++
	doc.ID = t.repo.nextID
	t.repo.mu.Unlock()
	for i := range doc.Entries {
		doc.Entries[i].ID = doc.ID*100 + int64(i)
	}
	t.staged[doc.ID] = copyDoc(doc)
	return nil
}

func (t *memoryTx) UpdateDocument(ctx context.Context, doc *Document) error {
	if _, ok := t.staged[doc.ID]; !ok {
		t.repo.mu.Lock()
		_, ok = t.repo.docs[doc.ID]
		t.repo.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, doc.ID)
		}
	}
	t.staged[doc.ID] = copyDoc(doc)
	return nil
}

func (t *memoryTx) NextSeriesNumber(ctx context.Context, providerID int64, kind DocumentKind, series string) (int64, error) {
	key := fmt.Sprintf("%d/%s/%s", providerID, kind, series)
	if _, alreadyHeld := t.heldSeq[key]; !alreadyHeld {
		m := t.repo.seqLock(key)
		m.Lock()
		t.heldSeq[key] = m
	}
	next, ok := t.seqs[key]
	if !ok {
		t.repo.mu.Lock()
		next = t.repo.seqs[key]
		t.repo.mu.Unlock()
	}
	next++
	t.seqs[key] = next
	return next, nil
}

func (t *memoryTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	t.repo.mu.Lock()
	claimed := t.repo.keys[key]
	t.repo.mu.Unlock()
	if claimed {
		return shared.ErrIdempotencyConflict
	}
	for _, k := range t.keys {
		if k == key {
			return shared.ErrIdempotencyConflict
		}
	}
	t.keys = append(t.keys, key)
	return nil
}

func copyDoc(d *Document) *Document {
	out := *d
	out.Series = copyStr(d.Series)
	out.Number = copyInt64(d.Number)
	out.SalesTaxPercent = copyDecimal(d.SalesTaxPercent)
	out.IssueDate = copyTime(d.IssueDate)
	out.DueDate = copyTime(d.DueDate)
	out.PaidDate = copyTime(d.PaidDate)
	out.CancelDate = copyTime(d.CancelDate)
	out.ArchivedCustomer = copySnapshot(d.ArchivedCustomer)
	out.ArchivedProvider = copySnapshot(d.ArchivedProvider)
	out.RelatedDocumentID = copyInt64(d.RelatedDocumentID)
	out.Entries = append([]Entry(nil), d.Entries...)
	return &out
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type memoryParties struct {
	customers map[int64]*party.Customer
	providers map[int64]*party.Provider
}

func (p *memoryParties) GetCustomer(ctx context.Context, id int64) (*party.Customer, error) {
	c, ok := p.customers[id]
	if !ok {
		return nil, party.ErrNotFound
	}
	return c, nil
}

func (p *memoryParties) GetProvider(ctx context.Context, id int64) (*party.Provider, error) {
	pr, ok := p.providers[id]
	if !ok {
		return nil, party.ErrNotFound
	}
	return pr, nil
}

func strPtr(s string) *string { return &s }

func newTestService(t *testing.T) (*Service, *memoryRepo, *memoryParties) {
	t.Helper()
	repo := newMemoryRepo()
	eur := "EUR"
	parties := &memoryParties{
		customers: map[int64]*party.Customer{
			1: {ID: 1, Name: "Acme GmbH", Address: "1 Factory Rd", TaxID: "DE123", Currency: &eur, PaymentDueDays: 30},
			2: {ID: 2, Name: "No Currency Ltd", Address: "2 Side St", TaxID: "GB999", PaymentDueDays: 14},
		},
		providers: map[int64]*party.Provider{
			1: {ID: 1, Name: "Ledgerline SRL", Address: "9 Billing Ave", TaxID: "RO555", Currency: strPtr("USD"), DefaultSeries: "LL", ProformaSeries: "PF", InvoiceSeries: "INV"},
			2: {ID: 2, Name: "Single Series Co", Address: "3 Main St", TaxID: "FR777", Currency: strPtr("EUR"), DefaultSeries: "SS"},
		},
	}
	svc := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, parties)
	return svc, repo, parties
}

func testEntries() []CreateEntryInput {
	return []CreateEntryInput{
		{Name: "plan subscription", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("49.90")},
		{Name: "metered requests", Quantity: decimal.NewFromInt(1200), UnitPrice: decimal.RequireFromString("0.0150")},
	}
}

func createProforma(t *testing.T, svc *Service) *Document {
	t.Helper()
	doc, err := svc.CreateDocument(context.Background(), CreateDocumentInput{
		Kind:       KindProforma,
		CustomerID: 1,
		ProviderID: 1,
		Entries:    testEntries(),
	})
	require.NoError(t, err)
	return doc
}

func TestCreateDocumentValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDocument(ctx, CreateDocumentInput{Kind: "receipt", CustomerID: 1, ProviderID: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindProforma, CustomerID: 1, ProviderID: 1, IsStorno: true,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindProforma, CustomerID: 1, ProviderID: 1,
		Entries: []CreateEntryInput{{Name: "  ", Quantity: decimal.NewFromInt(1)}},
	})
	require.ErrorIs(t, err, ErrValidation)

	storno, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindInvoice, CustomerID: 1, ProviderID: 1, IsStorno: true,
	})
	require.NoError(t, err)
	require.True(t, storno.IsStorno)
}

func TestCreateDocumentCurrencyResolution(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	explicit, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindProforma, CustomerID: 1, ProviderID: 1, Currency: "ron",
	})
	require.NoError(t, err)
	require.Equal(t, "RON", explicit.Currency)

	fromCustomer, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindProforma, CustomerID: 1, ProviderID: 1,
	})
	require.NoError(t, err)
	require.Equal(t, "EUR", fromCustomer.Currency)

	fromProvider, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindProforma, CustomerID: 2, ProviderID: 1,
	})
	require.NoError(t, err)
	require.Equal(t, "USD", fromProvider.Currency)
}

func TestIssueAssignsNumberAndSnapshots(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	require.Equal(t, StateDraft, doc.State)
	require.Nil(t, doc.Number)

	issued, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateIssued, issued.State)
	require.NotNil(t, issued.Number)
	require.EqualValues(t, 1, *issued.Number)
	require.NotNil(t, issued.Series)
	require.Equal(t, "PF", *issued.Series)
	require.NotNil(t, issued.IssueDate)
	require.NotNil(t, issued.DueDate)
	require.True(t, issued.DueDate.Equal(issued.IssueDate.AddDate(0, 0, 30)))
	require.NotNil(t, issued.ArchivedCustomer)
	require.Equal(t, "Acme GmbH", issued.ArchivedCustomer.Name)
	require.NotNil(t, issued.ArchivedProvider)
	require.Equal(t, "Ledgerline SRL", issued.ArchivedProvider.Name)
}

func TestIssueTwiceFails(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	issued, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	firstNumber := *issued.Number

	_, err = svc.Issue(ctx, doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	current, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, firstNumber, *current.Number)
	require.Equal(t, StateIssued, current.State)
}

func TestIssueWithoutEntriesFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind: KindProforma, CustomerID: 1, ProviderID: 1,
	})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, doc.ID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCancelDraftFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	doc := createProforma(t, svc)

	_, err := svc.Cancel(context.Background(), doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPayProformaWithNoInvoiceCreatesOne(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	paid, err := svc.Pay(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaid, paid.State)
	require.NotNil(t, paid.PaidDate)
	require.NotNil(t, paid.RelatedDocumentID)

	invoice, err := repo.GetDocument(ctx, *paid.RelatedDocumentID)
	require.NoError(t, err)
	require.Equal(t, KindInvoice, invoice.Kind)
	require.Equal(t, StatePaid, invoice.State)
	require.NotNil(t, invoice.Number)
	require.Equal(t, "INV", *invoice.Series)
	require.True(t, invoice.Totals().Total.Equal(paid.Totals().Total))
	require.NotNil(t, invoice.IssueDate)
	require.NotNil(t, invoice.DueDate)
	require.True(t, invoice.DueDate.Equal(invoice.IssueDate.AddDate(0, 0, 30)))
	require.NotNil(t, invoice.RelatedDocumentID)
	require.Equal(t, doc.ID, *invoice.RelatedDocumentID)

	require.Equal(t, 1, repo.countKind(KindInvoice))
}

func TestPayProformaWithExistingInvoice(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	invoice, err := svc.CreateInvoice(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateDraft, invoice.State)

	paid, err := svc.Pay(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaid, paid.State)

	promoted, err := repo.GetDocument(ctx, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaid, promoted.State)
	require.NotNil(t, promoted.Number)

	require.Equal(t, 1, repo.countKind(KindInvoice))
}

func TestPayRaceCreatesExactlyOneInvoice(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		failures []error
		wins     int
	)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := svc.Pay(ctx, doc.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			} else {
				wins++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, wins)
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], ErrInvalidTransition)

	current, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaid, current.State)
	require.NotNil(t, current.RelatedDocumentID)
	require.Equal(t, 1, repo.countKind(KindInvoice))
}

func TestCancelPropagatesToRelatedInvoice(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	invoice, err := svc.CreateInvoice(ctx, doc.ID)
	require.NoError(t, err)

	canceled, err := svc.Cancel(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, canceled.State)
	require.NotNil(t, canceled.CancelDate)

	related, err := repo.GetDocument(ctx, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, related.State)
	require.NotNil(t, related.Number)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	_, err = svc.Pay(ctx, doc.ID)
	require.NoError(t, err)

	_, err = svc.Pay(ctx, doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Cancel(ctx, doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Issue(ctx, doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreateInvoicePreconditions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.CreateInvoice(ctx, doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	_, err = svc.CreateInvoice(ctx, doc.ID)
	require.NoError(t, err)

	_, err = svc.CreateInvoice(ctx, doc.ID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCloneIntoDraft(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	taxPct := decimal.RequireFromString("19.00")

	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind:            KindProforma,
		CustomerID:      1,
		ProviderID:      1,
		SalesTaxPercent: &taxPct,
		SalesTaxName:    "VAT",
		Entries:         testEntries(),
	})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	paid, err := svc.Pay(ctx, doc.ID)
	require.NoError(t, err)

	clone, err := svc.CloneIntoDraft(ctx, doc.ID)
	require.NoError(t, err)

	require.NotEqual(t, doc.ID, clone.ID)
	require.Equal(t, StateDraft, clone.State)
	require.Nil(t, clone.Number)
	require.Nil(t, clone.Series)
	require.Nil(t, clone.IssueDate)
	require.Nil(t, clone.DueDate)
	require.Nil(t, clone.PaidDate)
	require.Nil(t, clone.RelatedDocumentID)
	require.Nil(t, clone.ArchivedCustomer)
	require.Nil(t, clone.ArchivedProvider)
	require.Equal(t, paid.CustomerID, clone.CustomerID)
	require.Equal(t, paid.ProviderID, clone.ProviderID)
	require.Equal(t, paid.Currency, clone.Currency)
	require.Equal(t, paid.SalesTaxName, clone.SalesTaxName)
	require.NotNil(t, clone.SalesTaxPercent)
	require.True(t, clone.SalesTaxPercent.Equal(taxPct))

	require.Len(t, clone.Entries, len(paid.Entries))
	for i, entry := range clone.Entries {
		require.Equal(t, paid.Entries[i].Name, entry.Name)
		require.True(t, paid.Entries[i].Quantity.Equal(entry.Quantity))
		require.True(t, paid.Entries[i].UnitPrice.Equal(entry.UnitPrice))
		require.NotEqual(t, paid.Entries[i].ID, entry.ID)
	}

	// The original keeps its terminal state and entries.
	original, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaid, original.State)
	require.Len(t, original.Entries, len(paid.Entries))
}

func TestApplyPaymentSignalIdempotent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	sig := PaymentSignal{
		SignalID:   "sig-1",
		DocumentID: doc.ID,
		Amount:     decimal.RequireFromString("67.90"),
		ReceivedAt: time.Now(),
	}

	first, err := svc.ApplyPaymentSignal(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, StatePaid, first.State)
	firstPaidAt := *first.PaidDate

	// Same signal redelivered: success, no second invoice, no re-pay.
	again, err := svc.ApplyPaymentSignal(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, StatePaid, again.State)
	require.Equal(t, firstPaidAt, *again.PaidDate)
	require.Equal(t, 1, repo.countKind(KindInvoice))

	// A different signal for an already-paid document also reports success.
	other := sig
	other.SignalID = "sig-2"
	res, err := svc.ApplyPaymentSignal(ctx, other)
	require.NoError(t, err)
	require.Equal(t, StatePaid, res.State)
	require.Equal(t, firstPaidAt, *res.PaidDate)
	require.Equal(t, 1, repo.countKind(KindInvoice))
}

func TestFailedTransitionLeavesNoPartialState(t *testing.T) {
	svc, repo, parties := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	_, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	// Make the promotion's issue step fail after the invoice insert: paying
	// loads the customer again to compute the invoice due date.
	customer := parties.customers[1]
	delete(parties.customers, 1)

	_, err = svc.Pay(ctx, doc.ID)
	require.ErrorIs(t, err, party.ErrNotFound)

	// The whole transaction rolled back: no invoice, proforma untouched.
	require.Equal(t, 0, repo.countKind(KindInvoice))
	current, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateIssued, current.State)
	require.Nil(t, current.PaidDate)
	require.Nil(t, current.RelatedDocumentID)

	// A retry after the fault clears succeeds and draws the first invoice
	// number, proving the sequence was not consumed either.
	parties.customers[1] = customer
	paid, err := svc.Pay(ctx, doc.ID)
	require.NoError(t, err)
	invoice, err := repo.GetDocument(ctx, *paid.RelatedDocumentID)
	require.NoError(t, err)
	require.EqualValues(t, 1, *invoice.Number)
}

func TestPaymentSignalClaimRollsBackWithFailedPay(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	doc := createProforma(t, svc)

	sig := PaymentSignal{
		SignalID:   "sig-early",
		DocumentID: doc.ID,
		Amount:     decimal.RequireFromString("67.90"),
		ReceivedAt: time.Now(),
	}

	// The document is still a draft, so the pay fails and the signal key
	// must roll back with it.
	_, err := svc.ApplyPaymentSignal(ctx, sig)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Issue(ctx, doc.ID)
	require.NoError(t, err)

	// The redelivery of the same signal is not mistaken for a duplicate.
	paid, err := svc.ApplyPaymentSignal(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, StatePaid, paid.State)
}

func TestSeriesNumbersStrictlyIncrease(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var numbers []int64
	var lastID int64
	for i := 0; i < 3; i++ {
		doc := createProforma(t, svc)
		issued, err := svc.Issue(ctx, doc.ID)
		require.NoError(t, err)
		numbers = append(numbers, *issued.Number)
		lastID = doc.ID
	}
	require.Equal(t, []int64{1, 2, 3}, numbers)

	// Cancellation never releases a number back to the series.
	_, err := svc.Cancel(ctx, lastID)
	require.NoError(t, err)
	doc := createProforma(t, svc)
	issued, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, *issued.Number)
}

func TestConcurrentIssuanceYieldsDistinctNumbers(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	const n = 8
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = createProforma(t, svc).ID
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := svc.Issue(ctx, id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]bool)
	for _, id := range ids {
		doc, err := repo.GetDocument(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, doc.Number)
		require.False(t, seen[*doc.Number], "number %d assigned twice", *doc.Number)
		seen[*doc.Number] = true
	}
}

func TestDefaultSeriesFallback(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind:       KindProforma,
		CustomerID: 1,
		ProviderID: 2,
		Entries:    testEntries(),
	})
	require.NoError(t, err)

	issued, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "SS", *issued.Series)

	// Promotion draws from the same default series but its own sequence.
	paid, err := svc.Pay(ctx, doc.ID)
	require.NoError(t, err)
	invoice, err := repo.GetDocument(ctx, *paid.RelatedDocumentID)
	require.NoError(t, err)
	require.Equal(t, "SS", *invoice.Series)
	require.EqualValues(t, 1, *invoice.Number)
}

func TestExplicitDocumentSeriesWins(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		Kind:       KindProforma,
		CustomerID: 1,
		ProviderID: 1,
		Series:     strPtr("SPECIAL"),
		Entries:    testEntries(),
	})
	require.NoError(t, err)

	issued, err := svc.Issue(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "SPECIAL", *issued.Series)
	require.EqualValues(t, 1, *issued.Number)
}
