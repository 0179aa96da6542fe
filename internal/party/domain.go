package party

import "time"

// Customer is the billable party. Currency, when set, is the default
// transaction currency for documents that do not carry one themselves.
type Customer struct {
	ID             int64
	Name           string
	Address        string
	TaxID          string
	Currency       *string
	PaymentDueDays int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Provider is the issuing party. Each provider owns its numbering series;
// the per-kind series falls back to DefaultSeries when unset.
type Provider struct {
	ID             int64
	Name           string
	Address        string
	TaxID          string
	Currency       *string
	DefaultSeries  string
	InvoiceSeries  string
	ProformaSeries string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot is the archived view of a party taken at issuance time. Later
// edits to the live record never change an issued document.
type Snapshot struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	TaxID   string `json:"tax_id"`
}

// Archive captures the snapshot fields of a customer.
func (c *Customer) Archive() Snapshot {
	return Snapshot{Name: c.Name, Address: c.Address, TaxID: c.TaxID}
}

// Archive captures the snapshot fields of a provider.
func (p *Provider) Archive() Snapshot {
	return Snapshot{Name: p.Name, Address: p.Address, TaxID: p.TaxID}
}
