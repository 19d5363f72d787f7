package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/hub"
	"github.com/roach88/tandem/internal/hub/broker"
	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/testutil"
)

// setupClient creates the scenario documents.
const setupClient = "setup"

// Harness is the scenario execution engine. Every run gets a fresh
// in-memory store with sequential ids so traces are reproducible.
type Harness struct {
	store  *store.Store
	svc    *service.Service
	hub    *hub.Hub
	logger *slog.Logger

	// aliases maps an alias to the id it stands for; labels is the inverse.
	aliases map[string]string
	labels  map[string]string
	auto    int

	mu      sync.Mutex
	pending []ir.Notification // delivered during the current call
	sockets map[string]*socket
}

// socket is an in-process hub member standing in for one client.
type socket struct {
	id string
	h  *Harness
}

func (s *socket) ID() string { return s.id }

func (s *socket) Notify(n ir.Notification) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	n.ClientID = s.id // recipient, from here on
	s.h.pending = append(s.h.pending, n)
}

// publisher delivers straight to local sockets instead of through the
// broker, so a call's notifications are complete when Handle returns.
type publisher struct{ hub *hub.Hub }

func (p publisher) Publish(_ context.Context, n ir.Notification) error {
	p.hub.Deliver(n)
	return nil
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger. Defaults to discarding everything.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result. The returned error is
// reserved for failures of the harness itself; unmet expectations are
// reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		aliases: make(map[string]string),
		labels:  make(map[string]string),
		sockets: make(map[string]*socket),
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := config.Default()
	if src := scenario.configSource(); src != nil {
		var err error
		cfg, err = config.Parse(scenario.Name+".cue", src)
		if err != nil {
			return nil, fmt.Errorf("scenario models: %w", err)
		}
	}

	ids := testutil.NewSequentialIDs("id")
	st, err := store.Open(":memory:", store.WithIDGenerator(ids.Generate), store.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h.store = st
	h.hub = hub.New(broker.NewMemory(), hub.WithLogger(h.logger))
	h.svc = service.New(st, publisher{hub: h.hub}, service.WithConfig(cfg), service.WithLogger(h.logger))

	ctx := context.Background()
	result := NewResult()

	if err := h.setup(ctx, scenario); err != nil {
		return nil, err
	}
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}
	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			if _, ok := err.(*AssertionError); !ok {
				return nil, fmt.Errorf("assertions[%d]: %w", i, err)
			}
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	for i, d := range scenario.Docs {
		req := &ir.Request{Cmd: ir.CmdCreate, KeyPath: ir.NewKeyPath(d.Bucket), Doc: ir.Doc(d.Doc)}
		resp, err := h.svc.Handle(ctx, setupClient, req)
		if err != nil {
			return fmt.Errorf("docs[%d]: %w", i, err)
		}
		h.alias(d.Alias, resp.ID)
	}

	// joined in client order so delivery order does not depend on map order
	clients := make([]string, 0, len(scenario.Observers))
	for c := range scenario.Observers {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	for _, c := range clients {
		s := &socket{id: c, h: h}
		h.sockets[c] = s
		for _, raw := range scenario.Observers[c] {
			kp, err := h.keyPath(raw)
			if err != nil {
				return fmt.Errorf("observers[%s]: %w", c, err)
			}
			h.hub.Join(s, kp)
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	client := step.Client
	if client == "" {
		client = DefaultClient
	}
	kp, err := h.keyPath(step.KeyPath)
	if err != nil {
		return fmt.Errorf("flow[%d]: %w", index, err)
	}

	req := &ir.Request{
		Cmd:     ir.Command(step.Cmd),
		KeyPath: kp,
		ID:      h.resolve(step.ID),
		RefID:   h.resolve(step.Ref),
		ItemID:  h.resolve(step.Item),
		Doc:     ir.Doc(step.Doc),
		Rev:     step.Rev,
		Query:   ir.Doc(step.Query),
	}
	for _, id := range step.IDs {
		req.IDs = append(req.IDs, h.resolve(id))
	}

	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()

	resp, err := h.svc.Handle(ctx, client, req)
	outcome := "ok"
	if err != nil {
		se := ir.AsSyncError(err)
		if se.Code == ir.CodeInternal {
			return fmt.Errorf("flow[%d]: %w", index, err)
		}
		outcome = strings.ToLower(string(se.Code))
	}
	if err == nil && step.As != "" && resp.ID != "" {
		h.alias(step.As, resp.ID)
	}

	ev := TraceEvent{
		Type:    EventCall,
		Client:  client,
		Cmd:     step.Cmd,
		KeyPath: h.labelKeyPath(kp),
		RefID:   h.label(req.RefID),
		Outcome: outcome,
	}
	switch {
	case req.ID != "":
		ev.ID = h.label(req.ID)
	case resp != nil:
		ev.ID = h.label(resp.ID)
	}
	var items []string
	if resp != nil {
		items = h.responseItems(resp)
		ev.Items = items
	}
	result.addEvent(ev)

	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, n := range pending {
		result.Delivered[n.ClientID] = append(result.Delivered[n.ClientID], string(n.Kind))
		result.addEvent(h.notifyEvent(n))
	}

	if step.Expect != nil {
		want := step.Expect.Error
		got := ""
		if err != nil {
			got = string(ir.AsSyncError(err).Code)
		}
		if want != got {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected error %q, got %q (%v)", index, step.Cmd, want, got, err))
		}
		if step.Expect.Items != nil && !slices.Equal(step.Expect.Items, items) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected items %v, got %v", index, step.Cmd, step.Expect.Items, items))
		}
	}
	return nil
}

func (h *Harness) notifyEvent(n ir.Notification) TraceEvent {
	ev := TraceEvent{
		Type:    EventNotify,
		Client:  n.ClientID,
		Kind:    string(n.Kind),
		KeyPath: h.labelKeyPath(n.KeyPath),
		ID:      h.label(n.ID),
		RefID:   h.label(n.RefID),
	}
	switch {
	case len(n.Items) > 0:
		for _, it := range n.Items {
			ev.Items = append(ev.Items, h.label(it.ID))
		}
	case n.Item != nil:
		ev.Items = []string{h.label(n.Item.ID)}
	default:
		for _, id := range n.IDs {
			ev.Items = append(ev.Items, h.label(id))
		}
	}
	return ev
}

// responseItems labels every item resp carries.
func (h *Harness) responseItems(resp *ir.Response) []string {
	var out []string
	if resp.Item != nil {
		out = append(out, h.label(resp.Item.ID))
	}
	for _, it := range resp.Items {
		out = append(out, h.label(it.ID))
	}
	if resp.Entry != nil {
		out = append(out, h.label(resp.Entry.Item.ID))
	}
	for _, e := range resp.Entries {
		out = append(out, h.label(e.Item.ID))
	}
	return out
}

func (h *Harness) alias(name, id string) {
	h.aliases[name] = id
	h.labels[id] = name
}

// resolve maps an alias to its id. Anything else is taken literally.
func (h *Harness) resolve(s string) string {
	if id, ok := h.aliases[s]; ok {
		return id
	}
	return s
}

// label maps an id back to its alias, naming unlabeled ids in order of
// first appearance.
func (h *Harness) label(id string) string {
	if id == "" {
		return ""
	}
	if l, ok := h.labels[id]; ok {
		return l
	}
	if _, ok := h.aliases[id]; ok {
		// a literal that happens to be an alias name
		return id
	}
	h.auto++
	l := fmt.Sprintf("#%d", h.auto)
	h.labels[id] = l
	return l
}

func (h *Harness) keyPath(raw string) (ir.KeyPath, error) {
	kp, err := ir.ParseKeyPath(raw)
	if err != nil {
		return nil, err
	}
	for i := range kp {
		kp[i] = h.resolve(kp[i])
	}
	return kp, nil
}

// labelKeyPath renders kp with aliased segments. Segments that are not ids
// stay as written.
func (h *Harness) labelKeyPath(kp ir.KeyPath) string {
	segs := make([]string, len(kp))
	for i, s := range kp {
		if l, ok := h.labels[s]; ok {
			segs[i] = l
		} else {
			segs[i] = s
		}
	}
	return strings.Join(segs, "/")
}
