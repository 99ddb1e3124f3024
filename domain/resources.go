// Package domain describes the shop's synced resources: their names, the
// typed payloads the point-of-sale writes, and the composite keys that match
// an offline record with its server copy.
package domain

import (
	"fmt"
	"sort"

	"github.com/dukafiti/dukasync/synckit"
)

// Resource names as they appear in API paths.
const (
	Products     = "products"
	Customers    = "customers"
	Sales        = "sales"
	Transactions = "transactions"
	DebtPayments = "debt_payments"
)

// Resources lists every synced resource.
var Resources = []string{Products, Customers, Sales, Transactions, DebtPayments}

// Valid reports whether name is a synced resource.
func Valid(name string) bool {
	for _, r := range Resources {
		if r == name {
			return true
		}
	}
	return false
}

// Keys names the payload fields that identify one logical record across its
// optimistic and server copies.
type Keys struct {
	// Client fields, tried in order; the first non-empty value wins.
	Client []string
	// Secondary is the resource-specific field combined with the client id.
	Secondary string
}

var keys = map[string]Keys{
	Products:     {Client: []string{"offlineId"}},
	Customers:    {Client: []string{"offlineId"}},
	Sales:        {Client: []string{"offlineId", "clientSaleId"}, Secondary: "productId"},
	Transactions: {Client: []string{"offlineId", "clientTransactionId"}, Secondary: "customerId"},
	DebtPayments: {Client: []string{"offlineId", "clientPaymentId"}, Secondary: "customerId"},
}

// KeysFor returns the composite key definition of resource.
func KeysFor(resource string) Keys {
	return keys[resource]
}

// CompositeKey returns "<client id>|<secondary>" for e, or "" when the record
// carries no client-generated id. The entity's own ClientID is the last
// client id candidate.
func CompositeKey(e synckit.CachedEntity) string {
	k := keys[e.Resource]

	client := ""
	for _, f := range k.Client {
		if v := e.Field(f); v != "" {
			client = v
			break
		}
	}
	if client == "" {
		client = e.ClientID
	}
	if client == "" {
		return ""
	}
	if k.Secondary == "" {
		return client
	}
	return client + "|" + e.Field(k.Secondary)
}

// PriorityFor is the queue tier of a resource's writes when the caller does
// not choose one. Money movements drain first.
func PriorityFor(resource string) synckit.Priority {
	switch resource {
	case Sales, Transactions, DebtPayments:
		return synckit.PriorityHigh
	case Customers:
		return synckit.PriorityMedium
	default:
		return synckit.PriorityLow
	}
}

// ClientIDOf recovers the entity ClientID from a server payload. The echoed
// "clientId" wins; resources without a secondary key fall back to their
// client field, since there one client id names one record.
func ClientIDOf(resource string, data map[string]any) string {
	if v, ok := data["clientId"].(string); ok && v != "" {
		return v
	}
	k := keys[resource]
	if k.Secondary != "" {
		return ""
	}
	for _, f := range k.Client {
		if v, ok := data[f].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ClientField is the payload field a new record of resource carries its
// client id in.
func ClientField(resource string) string {
	k := keys[resource]
	if len(k.Client) > 1 {
		return k.Client[1]
	}
	return "offlineId"
}

// Validate checks the payload of a write before it is committed locally or
// accepted by the server.
func Validate(resource string, op synckit.OpType, payload map[string]any) error {
	if !Valid(resource) {
		return fmt.Errorf("unknown resource %q", resource)
	}
	if op == synckit.OpDelete {
		return nil
	}

	var required []string
	if op == synckit.OpCreate {
		switch resource {
		case Products:
			required = []string{"name", "price"}
		case Customers:
			required = []string{"name"}
		case Sales:
			required = []string{"productId", "amount"}
		case Transactions:
			required = []string{"customerId", "amount"}
		case DebtPayments:
			required = []string{"customerId", "amount"}
		}
	}
	var missing []string
	for _, f := range required {
		if v, ok := payload[f]; !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%s: missing %v", resource, missing)
	}

	for _, f := range moneyFields[resource] {
		v, ok := payload[f]
		if !ok {
			continue
		}
		amount, err := ParseAmount(v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", resource, f, err)
		}
		if amount.IsNegative() {
			return fmt.Errorf("%s.%s: must not be negative", resource, f)
		}
	}
	return nil
}
