package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukafiti/dukasync/synckit"
)

// moneyFields are compared and validated as decimals.
var moneyFields = map[string][]string{
	Products:     {"price", "cost"},
	Customers:    {"debt"},
	Sales:        {"amount", "unitPrice"},
	Transactions: {"amount"},
	DebtPayments: {"amount"},
}

// bookkeeping fields are set by one side only and never count as divergence.
var bookkeeping = map[string]bool{
	"id":        true,
	"createdAt": true,
	"updatedAt": true,
	"synced":    true,
}

// ParseAmount accepts the shapes a money value takes after a JSON round
// trip: string, float64, json.Number or decimal.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	default:
		return decimal.Zero, fmt.Errorf("not an amount: %T", v)
	}
}

// Diverging lists the fields present in both payloads whose values differ.
// Money fields compare numerically, so "100" equals 100.0.
func Diverging(resource string, a, b map[string]any) []string {
	money := map[string]bool{}
	for _, f := range moneyFields[resource] {
		money[f] = true
	}

	var out []string
	for k, av := range a {
		if bookkeeping[k] {
			continue
		}
		bv, ok := b[k]
		if !ok {
			continue
		}
		if money[k] {
			ad, aerr := ParseAmount(av)
			bd, berr := ParseAmount(bv)
			if aerr == nil && berr == nil {
				if !ad.Equal(bd) {
					out = append(out, k)
				}
				continue
			}
		}
		if !reflect.DeepEqual(normalize(av), normalize(bv)) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// normalize maps numbers to a common representation.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	default:
		return v
	}
}

// Product is an inventory item.
type Product struct {
	ID        string          `json:"id,omitempty"`
	OfflineID string          `json:"offlineId,omitempty"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	Category  string          `json:"category,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Stock     int             `json:"stock"`
}

// Customer is a shop customer with a running debt.
type Customer struct {
	ID        string          `json:"id,omitempty"`
	OfflineID string          `json:"offlineId,omitempty"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Debt      decimal.Decimal `json:"debt"`
}

// Sale is one point-of-sale line.
type Sale struct {
	ID            string          `json:"id,omitempty"`
	ClientSaleID  string          `json:"clientSaleId,omitempty"`
	OfflineID     string          `json:"offlineId,omitempty"`
	ProductID     string          `json:"productId"`
	CustomerID    string          `json:"customerId,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	SoldAt        time.Time       `json:"soldAt"`
}

// Transaction records money moving in or out of a customer account.
type Transaction struct {
	ID                  string          `json:"id,omitempty"`
	ClientTransactionID string          `json:"clientTransactionId,omitempty"`
	CustomerID          string          `json:"customerId"`
	Kind                string          `json:"kind"`
	Amount              decimal.Decimal `json:"amount"`
	Reference           string          `json:"reference,omitempty"`
}

// DebtPayment reduces a customer's debt.
type DebtPayment struct {
	ID              string          `json:"id,omitempty"`
	ClientPaymentID string          `json:"clientPaymentId,omitempty"`
	CustomerID      string          `json:"customerId"`
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method,omitempty"`
	Reference       string          `json:"reference,omitempty"`
}

// ToPayload converts a typed record into the map carried by queued
// operations and cached entities.
func ToPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode fills out from a cached entity's data.
func Decode(e synckit.CachedEntity, out any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
