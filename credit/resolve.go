/*
resolve.go - Customer resolution for delivery orders

PURPOSE:
  Orders created before explicit customer linkage carry only a typed
  customer name. Resolution turns an order into a customer using, in
  priority order:

    1. order.CustomerID
    2. exact case-insensitive name
    3. normalized name (accents stripped, non-letters dropped, spaces collapsed)
    4. first token of the normalized name

  Steps 2-4 are the name fallback. It can be switched off with
  NAME_FALLBACK_ENABLED=false once every order has been backfilled
  (see maintenance.go).

AMBIGUITY:
  Steps 3 and 4 pick the lowest customer id among equal keys. An empty
  key never matches.

SEE ALSO:
  - settlement.go: backfills order.CustomerID after a name match
*/
package credit

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/coopdispatch/credit-engine/ledger"
)

// =============================================================================
// TEXT NORMALIZATION
// =============================================================================

// StripAccents removes combining marks: "Crédito" -> "Credito".
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName lower-cases and strips accents, replaces anything that is not
// a letter with a space and collapses whitespace.
// Latin letters without a decomposition (ø, ß, ð) are kept.
func NormalizeName(s string) string {
	s = strings.ToLower(StripAccents(s))
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 0x00C0 && r <= 0x024F:
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// FirstToken returns the first word of NormalizeName(s), or "".
func FirstToken(s string) string {
	k := NormalizeName(s)
	if i := strings.IndexByte(k, ' '); i >= 0 {
		return k[:i]
	}
	return k
}

// UsesCredit reports whether a payment method settles with prepaid credit:
// case and accent insensitive, it starts with "credito".
// "Crédito", "credito automatico" and "Crédito + Pix" all qualify.
func UsesCredit(method string) bool {
	txt := StripAccents(strings.ToLower(strings.TrimSpace(method)))
	txt = strings.Join(strings.Fields(txt), " ")
	return strings.HasPrefix(txt, "credito")
}

// =============================================================================
// RESOLVER
// =============================================================================

// MatchKind records which resolution step found the customer.
type MatchKind string

const (
	MatchNone       MatchKind = ""
	MatchID         MatchKind = "id"
	MatchExactName  MatchKind = "exact_name"
	MatchNormalized MatchKind = "normalized_name"
	MatchFirstToken MatchKind = "first_token"
)

// ByName reports whether the match came from the name fallback.
func (k MatchKind) ByName() bool {
	return k == MatchExactName || k == MatchNormalized || k == MatchFirstToken
}

type Resolver struct {
	// NameFallback enables steps 2-4.
	NameFallback bool
}

// Resolve finds the customer of o. It returns (nil, MatchNone, nil) when no
// customer matches. A CustomerID pointing at a deleted customer falls
// through to the name steps.
func (r Resolver) Resolve(ctx context.Context, st ledger.CustomerStore, o ledger.Order) (*ledger.Customer, MatchKind, error) {
	if o.CustomerID != nil {
		c, err := st.GetCustomer(ctx, *o.CustomerID)
		if err != nil {
			return nil, MatchNone, err
		}
		if c != nil {
			return c, MatchID, nil
		}
	}
	if !r.NameFallback {
		return nil, MatchNone, nil
	}
	return r.ResolveName(ctx, st, o.CustomerName)
}

// ResolveName runs the name steps only.
func (r Resolver) ResolveName(ctx context.Context, st ledger.CustomerStore, name string) (*ledger.Customer, MatchKind, error) {
	if strings.TrimSpace(name) == "" {
		return nil, MatchNone, nil
	}

	c, err := st.FindCustomerByName(ctx, name)
	if err != nil {
		return nil, MatchNone, err
	}
	if c != nil {
		return c, MatchExactName, nil
	}

	target := NormalizeName(name)
	if target == "" {
		return nil, MatchNone, nil
	}
	all, err := st.ListCustomers(ctx)
	if err != nil {
		return nil, MatchNone, err
	}
	for i := range all {
		if NormalizeName(all[i].Name) == target {
			return &all[i], MatchNormalized, nil
		}
	}

	token := FirstToken(name)
	for i := range all {
		if FirstToken(all[i].Name) == token {
			return &all[i], MatchFirstToken, nil
		}
	}
	return nil, MatchNone, nil
}
