package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"testctx/internal/dataset"
	"testctx/internal/elements"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/provider"
	"testctx/internal/safety"

	"gopkg.in/yaml.v3"
)

// StepContext is what a step action can reach while its scenario runs.
type StepContext struct {
	Scenario  TestScenario
	Lease     *manager.Lease
	Data      *provider.DataContext
	Elements  *elements.Registry
	Validator *safety.Validator

	// refs holds records created with an "as" alias.
	refs map[string]dataset.Record
}

// Action runs one step. A returned *StepError means the step itself is
// malformed and maps to ERROR rather than FAILED.
type Action func(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error)

// StepError reports a step that cannot run as written.
type StepError struct {
	Action string
	Reason string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("invalid %s step: %s", e.Action, e.Reason)
}

// Built-in action names.
const (
	ActionExpectCount        = "expect-count"
	ActionExpectNearestRoute = "expect-nearest-route"
	ActionCreateRecord       = "create-record"
	ActionUpdateRecord       = "update-record"
	ActionDeleteRecord       = "delete-record"
	ActionResolveElement     = "resolve-element"
	ActionValidateContext    = "validate-context"
)

var builtinActions = map[string]Action{
	ActionExpectCount:        expectCount,
	ActionExpectNearestRoute: expectNearestRoute,
	ActionCreateRecord:       createRecord,
	ActionUpdateRecord:       updateRecord,
	ActionDeleteRecord:       deleteRecord,
	ActionResolveElement:     resolveElement,
	ActionValidateContext:    validateContext,
}

// Actions returns the built-in action names, sorted.
func Actions() []string {
	out := make([]string, 0, len(builtinActions))
	for name := range builtinActions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsKnownAction reports whether name is a built-in action.
func IsKnownAction(name string) bool {
	_, ok := builtinActions[name]
	return ok
}

// decodeParams maps step params onto out, rejecting unknown keys.
func decodeParams(action string, params map[string]interface{}, out interface{}) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return &StepError{Action: action, Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &StepError{Action: action, Reason: err.Error()}
	}
	return nil
}

type countParams struct {
	Kind  string `yaml:"kind"`
	Count *int   `yaml:"count"`
	Min   *int   `yaml:"min"`
}

func expectCount(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p countParams
	if err := decodeParams(ActionExpectCount, params, &p); err != nil {
		return nil, err
	}
	if p.Kind == "" || (p.Count == nil && p.Min == nil) {
		return nil, &StepError{Action: ActionExpectCount, Reason: "kind and count or min are required"}
	}

	got := sc.Data.Count(p.Kind)
	resp := map[string]interface{}{"kind": p.Kind, "count": got}
	if p.Count != nil && got != *p.Count {
		return resp, fmt.Errorf("expected %d %s, found %d", *p.Count, p.Kind, got)
	}
	if p.Min != nil && got < *p.Min {
		return resp, fmt.Errorf("expected at least %d %s, found %d", *p.Min, p.Kind, got)
	}
	return resp, nil
}

type nearestRouteParams struct {
	Ticket string `yaml:"ticket"`
	Route  string `yaml:"route"`
}

func expectNearestRoute(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p nearestRouteParams
	if err := decodeParams(ActionExpectNearestRoute, params, &p); err != nil {
		return nil, err
	}

	data := sc.Data.TestData()
	if p.Ticket != "" {
		if p.Route == "" {
			return nil, &StepError{Action: ActionExpectNearestRoute, Reason: "route is required with ticket"}
		}
		ticket, ok := data.Find(dataset.KindTickets, p.Ticket)
		if !ok {
			return nil, fmt.Errorf("ticket %s not in context", p.Ticket)
		}
		route, dist, err := dataset.NearestRoute(ticket, data.Records(dataset.KindRoutes))
		if err != nil {
			return nil, err
		}
		resp := map[string]interface{}{"ticket": ticket.ID, "route": route.ID, "distance": dist}
		if route.ID != p.Route {
			return resp, fmt.Errorf("ticket %s is nearest to route %s, expected %s", ticket.ID, route.ID, p.Route)
		}
		return resp, nil
	}

	want := sc.Data.Metadata.Expectations.NearestRoute
	if len(want) == 0 {
		return nil, &StepError{Action: ActionExpectNearestRoute, Reason: "no ticket given and the loaded data documents no nearest-route expectations"}
	}
	got, err := dataset.Assignments(data)
	if err != nil {
		return nil, err
	}
	tickets := make([]string, 0, len(want))
	for t := range want {
		tickets = append(tickets, t)
	}
	sort.Strings(tickets)

	var errs []error
	for _, t := range tickets {
		if got[t] != want[t] {
			errs = append(errs, fmt.Errorf("ticket %s assigned to %q, expected %q", t, got[t], want[t]))
		}
	}
	return got, errors.Join(errs...)
}

type recordParams struct {
	Kind   string                 `yaml:"kind"`
	ID     string                 `yaml:"id"`
	Ref    string                 `yaml:"ref"`
	As     string                 `yaml:"as"`
	Name   string                 `yaml:"name"`
	IsTest *bool                  `yaml:"is_test"`
	Fields map[string]interface{} `yaml:"fields"`
}

func (sc *StepContext) target(action string, p recordParams) (string, string, error) {
	if p.Ref != "" {
		rec, ok := sc.refs[p.Ref]
		if !ok {
			return "", "", &StepError{Action: action, Reason: fmt.Sprintf("unknown ref %q", p.Ref)}
		}
		return rec.Kind, rec.ID, nil
	}
	if p.Kind == "" || p.ID == "" {
		return "", "", &StepError{Action: action, Reason: "kind and id, or ref, are required"}
	}
	return p.Kind, p.ID, nil
}

func createRecord(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p recordParams
	if err := decodeParams(ActionCreateRecord, params, &p); err != nil {
		return nil, err
	}
	if p.Kind == "" {
		return nil, &StepError{Action: ActionCreateRecord, Reason: "kind is required"}
	}

	rec := dataset.Record{Kind: p.Kind, ID: p.ID, Name: p.Name, Fields: p.Fields}
	if p.IsTest != nil {
		rec.IsTest = *p.IsTest
	}
	created, err := sc.Data.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	if p.As != "" {
		if sc.refs == nil {
			sc.refs = make(map[string]dataset.Record)
		}
		sc.refs[p.As] = created
	}
	return created, nil
}

func updateRecord(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p recordParams
	if err := decodeParams(ActionUpdateRecord, params, &p); err != nil {
		return nil, err
	}
	kind, id, err := sc.target(ActionUpdateRecord, p)
	if err != nil {
		return nil, err
	}

	rec, ok := sc.Data.Find(kind, id)
	if !ok {
		rec = dataset.Record{Kind: kind, ID: id}
	}
	rec = rec.Clone()
	if p.Name != "" {
		rec.Name = p.Name
	}
	if p.IsTest != nil {
		rec.IsTest = *p.IsTest
	}
	if len(p.Fields) > 0 && rec.Fields == nil {
		rec.Fields = make(map[string]interface{}, len(p.Fields))
	}
	for k, v := range p.Fields {
		rec.Fields[k] = v
	}

	if err := sc.Data.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func deleteRecord(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p recordParams
	if err := decodeParams(ActionDeleteRecord, params, &p); err != nil {
		return nil, err
	}
	kind, id, err := sc.target(ActionDeleteRecord, p)
	if err != nil {
		return nil, err
	}
	if err := sc.Data.Delete(ctx, kind, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"kind": kind, "id": id, "deleted": true}, nil
}

type elementParams struct {
	Element  string `yaml:"element"`
	Fallback string `yaml:"fallback"`
	Expect   string `yaml:"expect"`
}

func resolveElement(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p elementParams
	if err := decodeParams(ActionResolveElement, params, &p); err != nil {
		return nil, err
	}
	if p.Element == "" {
		return nil, &StepError{Action: ActionResolveElement, Reason: "element is required"}
	}
	if sc.Elements == nil {
		return nil, &StepError{Action: ActionResolveElement, Reason: "no element registry configured"}
	}

	s := sc.Elements.Strategy(p.Element, sc.Data.Mode, p.Fallback)
	resp := map[string]interface{}{
		"element":    p.Element,
		"mode":       string(sc.Data.Mode),
		"selector":   s.Selector,
		"registered": s.Registered,
		"timeout":    s.Timeout.String(),
		"retries":    s.Retries,
	}
	if p.Expect != "" && s.Selector != p.Expect {
		return resp, fmt.Errorf("element %s resolved to %q in %s mode, expected %q", p.Element, s.Selector, sc.Data.Mode, p.Expect)
	}
	return resp, nil
}

type validateParams struct {
	Kinds []string      `yaml:"kinds"`
	Mode  mode.TestMode `yaml:"mode"`
	Safe  *bool         `yaml:"safe"`
}

func validateContext(ctx context.Context, sc *StepContext, params map[string]interface{}) (interface{}, error) {
	var p validateParams
	if err := decodeParams(ActionValidateContext, params, &p); err != nil {
		return nil, err
	}

	rep := sc.Lease.Report
	resp := map[string]interface{}{
		"mode":    string(sc.Data.Mode),
		"run_id":  sc.Data.Metadata.RunID,
		"summary": rep.Summary(),
		"counts":  sc.Data.TestData().Counts(),
	}

	var errs []error
	if !rep.Passed {
		errs = append(errs, fmt.Errorf("context validation failed: %s", rep.Summary()))
	}
	if p.Mode != "" && p.Mode != sc.Data.Mode {
		errs = append(errs, fmt.Errorf("context is in %s mode, expected %s", sc.Data.Mode, p.Mode))
	}
	for _, kind := range p.Kinds {
		if sc.Data.Count(kind) == 0 {
			errs = append(errs, fmt.Errorf("context has no %s", kind))
		}
	}

	checkSafe := sc.Data.Mode == mode.Production
	if p.Safe != nil {
		checkSafe = *p.Safe
	}
	if checkSafe && sc.Validator != nil {
		if res := sc.Validator.ValidateAll(sc.Data.TestData().All()); !res.Safe {
			for _, issue := range res.Issues {
				errs = append(errs, errors.New(issue))
			}
		}
	}
	return resp, errors.Join(errs...)
}
