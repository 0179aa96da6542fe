package billing

import "time"

// invoiceFrom builds the draft invoice produced by promoting a proforma.
// Entries, party snapshots, currency, and tax fields are deep-copied; the
// back-reference to the proforma is set immediately, the forward link on
// the proforma is the caller's responsibility once the invoice has an id.
func invoiceFrom(p *Document, now time.Time) *Document {
	relatedID := p.ID
	return &Document{
		Kind:              KindInvoice,
		State:             StateDraft,
		CustomerID:        p.CustomerID,
		ProviderID:        p.ProviderID,
		Currency:          p.Currency,
		SalesTaxPercent:   copyDecimal(p.SalesTaxPercent),
		SalesTaxName:      p.SalesTaxName,
		ArchivedCustomer:  copySnapshot(p.ArchivedCustomer),
		ArchivedProvider:  copySnapshot(p.ArchivedProvider),
		RelatedDocumentID: &relatedID,
		Entries:           copyEntries(p.Entries),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// cloneIntoDraft produces a fresh draft copy of a document with a new
// identity. Issuance and payment fields, the related-document link, and the
// archived party snapshots are cleared; snapshots re-resolve from the live
// parties at the next issuance. Entries are copied by value so mutating
// either document never affects the other.
func cloneIntoDraft(d *Document, now time.Time) *Document {
	return &Document{
		Kind:            d.Kind,
		State:           StateDraft,
		CustomerID:      d.CustomerID,
		ProviderID:      d.ProviderID,
		Currency:        d.Currency,
		SalesTaxPercent: copyDecimal(d.SalesTaxPercent),
		SalesTaxName:    d.SalesTaxName,
		IsStorno:        d.IsStorno,
		Entries:         copyEntries(d.Entries),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
