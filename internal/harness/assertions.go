package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tandem/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	KeyPath  string
	Expected []string
	Actual   []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s", e.Type)
	if e.KeyPath != "" {
		fmt.Fprintf(&buf, " %s", e.KeyPath)
	}
	fmt.Fprintf(&buf, ": expected [%s], got [%s]", strings.Join(e.Expected, " "), strings.Join(e.Actual, " "))
	return buf.String()
}

// evaluate checks one assertion. A failed assertion is an *AssertionError;
// any other error means the state could not be read.
func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) error {
	var (
		actual []string
		err    error
	)
	switch a.Type {
	case AssertSequence:
		actual, err = h.sequence(ctx, a.KeyPath)
	case AssertMembers:
		actual, err = h.members(ctx, a.KeyPath)
	case AssertChain:
		actual, err = h.chain(ctx, a.KeyPath)
	case AssertDelivered:
		actual = result.Delivered[a.Client]
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if err != nil {
		return err
	}

	expected := a.Expect
	if a.Type == AssertMembers {
		expected = slices.Sorted(slices.Values(expected))
	}
	if !slices.Equal(expected, actual) {
		return &AssertionError{Type: a.Type, KeyPath: a.KeyPath, Expected: expected, Actual: actual}
	}
	return nil
}

func (h *Harness) sequence(ctx context.Context, raw string) ([]string, error) {
	kp, err := h.keyPath(raw)
	if err != nil {
		return nil, err
	}
	entries, err := h.store.Entries(ctx, kp)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		out = append(out, h.label(e.Item.ID))
	}
	return out, nil
}

// members is sorted; collections have no order.
func (h *Harness) members(ctx context.Context, raw string) ([]string, error) {
	kp, err := h.keyPath(raw)
	if err != nil {
		return nil, err
	}
	items, err := h.store.Members(ctx, kp)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, it := range items {
		out = append(out, h.label(it.ID))
	}
	slices.Sort(out)
	return out, nil
}

func (h *Harness) chain(ctx context.Context, raw string) ([]string, error) {
	kp, err := h.keyPath(raw)
	if err != nil {
		return nil, err
	}
	nodes, err := h.store.Chain(ctx, kp)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, n := range nodes {
		switch n.Kind {
		case store.KindBegin, store.KindEnd:
			out = append(out, string(n.Kind))
		case store.KindTombstone:
			out = append(out, "~"+h.label(n.ID))
		default:
			out = append(out, h.label(n.ID))
		}
	}
	return out, nil
}
