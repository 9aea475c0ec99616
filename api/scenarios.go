/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos. Each scenario creates customers, grants and orders
	through the credit services, so every movement is produced the same
	way production traffic would produce it.

AVAILABLE SCENARIOS:

	walkthrough:         Grant, consume, edit, delete
	insufficient-credit: A charge larger than the balance consumes nothing
	discounted-grants:   Percent and fixed discounts, name-linked order

HOW SCENARIOS WORK:
 1. Reset the store
 2. Create customers
 3. Create grants
 4. Create orders, optionally edit the charge or delete them
 5. Report the derived balance of every customer

ADDING NEW SCENARIOS:

	Drop a YAML file into scenarios/. The file name does not matter; the
	id field does.

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Other handlers
  - scenarios/*.yaml: Scenario definitions
*/
package api

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
)

//go:embed scenarios/*.yaml
var scenarioFiles embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Customers   []ScenarioCustomer `yaml:"customers"`
	Grants      []ScenarioGrant    `yaml:"grants"`
	Orders      []ScenarioOrder    `yaml:"orders"`

	// Expect maps customer keys to their balance after loading.
	Expect map[string]string `yaml:"expect"`
}

type ScenarioCustomer struct {
	Key   string `yaml:"key"`
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
}

type ScenarioGrant struct {
	Customer      string `yaml:"customer"`
	Gross         string `yaml:"gross"`
	DiscountType  string `yaml:"discount_type"`
	DiscountValue string `yaml:"discount_value"`
	Reason        string `yaml:"reason"`
}

// ScenarioOrder links by customer key when Customer is set, otherwise by
// CustomerName through the resolver.
type ScenarioOrder struct {
	Customer      string `yaml:"customer"`
	CustomerName  string `yaml:"customer_name"`
	Charge        string `yaml:"charge"`
	PaymentMethod string `yaml:"payment_method"`
	EditCharge    string `yaml:"edit_charge"`
	Delete        bool   `yaml:"delete"`
}

// LoadScenarios parses every embedded scenario, sorted by id.
func LoadScenarios() ([]Scenario, error) {
	paths, err := fs.Glob(scenarioFiles, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}
	out := make([]Scenario, 0, len(paths))
	for _, p := range paths {
		raw, err := scenarioFiles.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var s Scenario
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("parse %s: missing id", p)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func findScenario(id string) (Scenario, error) {
	all, err := LoadScenarios()
	if err != nil {
		return Scenario{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: unknown scenario %q", ledger.ErrInvalidInput, id)
}

// =============================================================================
// LOADER
// =============================================================================

// Apply replays the scenario through svc and returns the derived balance of
// every customer key. It does not reset the store.
func (s Scenario) Apply(ctx context.Context, svc *credit.Service) (map[string]ledger.Customer, map[string]string, error) {
	customers := make(map[string]ledger.Customer, len(s.Customers))
	for _, c := range s.Customers {
		created, err := svc.Admin.CreateCustomer(ctx, c.Name, c.Phone)
		if err != nil {
			return nil, nil, fmt.Errorf("customer %s: %w", c.Key, err)
		}
		customers[c.Key] = created
	}

	lookup := func(key string) (ledger.Customer, error) {
		c, ok := customers[key]
		if !ok {
			return ledger.Customer{}, fmt.Errorf("%w: unknown customer key %q", ledger.ErrInvalidInput, key)
		}
		return c, nil
	}

	for i, g := range s.Grants {
		c, err := lookup(g.Customer)
		if err != nil {
			return nil, nil, err
		}
		in, err := g.input()
		if err != nil {
			return nil, nil, fmt.Errorf("grant %d: %w", i, err)
		}
		if _, err := svc.Grants.CreateGrant(ctx, c.ID, in, "scenario"); err != nil {
			return nil, nil, fmt.Errorf("grant %d: %w", i, err)
		}
	}

	for i, o := range s.Orders {
		if err := o.apply(ctx, svc, lookup); err != nil {
			return nil, nil, fmt.Errorf("order %d: %w", i, err)
		}
	}

	balances := make(map[string]string, len(customers))
	for key, c := range customers {
		b, err := svc.Engine.Balance(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}
		balances[key] = money(b)
	}
	return customers, balances, nil
}

func (g ScenarioGrant) input() (credit.GrantInput, error) {
	gross, err := ledger.ParseAmount("gross", g.Gross)
	if err != nil {
		return credit.GrantInput{}, err
	}
	dt, err := ledger.ParseDiscountType(g.DiscountType)
	if err != nil {
		return credit.GrantInput{}, err
	}
	in := credit.GrantInput{GrossAmount: gross, DiscountType: dt, Reason: g.Reason}
	if g.DiscountValue != "" {
		if in.DiscountValue, err = ledger.ParseAmount("discount_value", g.DiscountValue); err != nil {
			return credit.GrantInput{}, err
		}
	}
	return in, nil
}

func (o ScenarioOrder) apply(ctx context.Context, svc *credit.Service, lookup func(string) (ledger.Customer, error)) error {
	charge, err := ledger.ParseAmount("charge", o.Charge)
	if err != nil {
		return err
	}
	in := credit.OrderInput{
		CustomerName:  o.CustomerName,
		ChargeAmount:  charge,
		PaymentMethod: o.PaymentMethod,
	}
	if o.Customer != "" {
		c, err := lookup(o.Customer)
		if err != nil {
			return err
		}
		in.CustomerID = &c.ID
	}

	res, err := svc.Orders.CreateOrder(ctx, in)
	if err != nil {
		return err
	}
	if o.EditCharge != "" {
		edited, err := ledger.ParseAmount("edit_charge", o.EditCharge)
		if err != nil {
			return err
		}
		if _, err := svc.Orders.UpdateOrder(ctx, res.Order.ID, credit.OrderUpdate{ChargeAmount: &edited}); err != nil {
			return err
		}
	}
	if o.Delete {
		if _, err := svc.Orders.DeleteOrder(ctx, res.Order.ID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := LoadScenarios()
	if err != nil {
		h.fail(w, r, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario resets the store and replays the scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := findScenario(req.ScenarioID)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := credit.WithActor(r.Context(), "scenario")
	if err := h.Store.Reset(ctx); err != nil {
		h.fail(w, r, "Failed to reset store", err)
		return
	}
	_, balances, err := s.Apply(ctx, h.Credit)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	for key, want := range s.Expect {
		if got := balances[key]; got != want {
			h.Log.Warn("scenario balance mismatch",
				zap.String("scenario", s.ID),
				zap.String("customer", key),
				zap.String("want", want),
				zap.String("got", got),
			)
		}
	}
	h.currentScenario = s.ID

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		Scenario: ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description},
		Balances: balances,
	})
}

// ResetDatabase wipes the store.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": id})
}
