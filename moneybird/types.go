package moneybird

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ID is a Moneybird resource id. The API serializes ids as JSON strings
// ("433546255189782818") because they overflow double precision; accept both
// string and number forms on the way in and always emit the string form.
type ID int64

func (id ID) Int64() int64 {
	return int64(id)
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	raw := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("moneybird id %q: %w", string(data), err)
	}
	*id = ID(n)
	return nil
}

// SalesInvoice is the subset of the Moneybird sales invoice consumed here.
// Reference carries the local invoice id, set when the invoice is pushed.
type SalesInvoice struct {
	ID        ID     `json:"id"`
	Reference string `json:"reference"`
	State     string `json:"state"`
	ContactId ID     `json:"contact_id"`
}

type NewSalesInvoice struct {
	Reference         string                  `json:"reference"`
	InvoiceDate       string                  `json:"invoice_date,omitempty"`
	DetailsAttributes []NewSalesInvoiceDetail `json:"details_attributes"`
}

type NewSalesInvoiceDetail struct {
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

// FinancialMutation is a bank-style transaction reported by Moneybird; its
// payments list links settled amounts to invoices.
type FinancialMutation struct {
	ID           ID                `json:"id"`
	MutationType string            `json:"mutation_type"`
	Amount       decimal.Decimal   `json:"amount"`
	Date         string            `json:"date"`
	Payments     []MutationPayment `json:"payments"`
}

// MutationPayment is one payment entry inside a financial mutation, validated
// on ingestion so a silently renamed upstream field fails loudly instead of
// matching nothing.
type MutationPayment struct {
	ID          ID              `json:"id" validate:"required"`
	InvoiceType string          `json:"invoice_type" validate:"required"`
	InvoiceId   ID              `json:"invoice_id" validate:"required"`
	Price       decimal.Decimal `json:"price"`
	PriceBase   decimal.Decimal `json:"price_base"`
	PaymentDate string          `json:"payment_date"`
}

// InvoiceTypeSalesInvoice is the only payment invoice_type this service
// applies; mutations also reference purchase invoices and journal entries.
const InvoiceTypeSalesInvoice = "SalesInvoice"

var validate = validator.New()

func (p MutationPayment) Validate() error {
	return validate.Struct(p)
}
