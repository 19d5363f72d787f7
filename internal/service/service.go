// Package service executes requests against the store and announces
// successful mutations to the hub.
//
// Service is the server half of the queue protocol: the transport hands it
// every call frame, and tests use it directly as a queue remote.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/metrics"
	"github.com/roach88/tandem/internal/store"
)

// Publisher broadcasts notifications. Implemented by *hub.Hub.
type Publisher interface {
	Publish(ctx context.Context, n ir.Notification) error
}

// Service handles requests for one server process.
type Service struct {
	store   *store.Store
	pub     Publisher
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithConfig restricts requests to the configured models.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a service. pub may be nil, in which case nothing is published.
func New(st *store.Store, pub Publisher, opts ...Option) *Service {
	s := &Service{store: st, pub: pub, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle executes req on behalf of clientID. Errors are *ir.SyncError or
// wrap one; anything else is an internal failure.
func (s *Service) Handle(ctx context.Context, clientID string, req *ir.Request) (*ir.Response, error) {
	resp, n, err := s.execute(ctx, req)
	s.metrics.RecordCall(string(req.Cmd), outcome(err))
	if err != nil {
		s.logger.Debug("request failed", "cmd", req.Cmd, "keyPath", req.KeyPath.String(), "client", clientID, "error", err)
		return nil, err
	}
	s.logger.Debug("request handled", "cmd", req.Cmd, "keyPath", req.KeyPath.String(), "client", clientID)

	if n != nil && !req.NoPublish && s.pub != nil {
		n.ClientID = clientID
		if err := s.pub.Publish(ctx, *n); err != nil {
			// the mutation is committed; observers catch up on their next resync
			s.logger.Warn("publish failed", "kind", n.Kind, "keyPath", n.KeyPath.String(), "error", err)
		}
	}
	return resp, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(ir.AsSyncError(err).Code))
}

func (s *Service) execute(ctx context.Context, req *ir.Request) (*ir.Response, *ir.Notification, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if err := s.cfg.ValidateRequest(*req); err != nil {
		return nil, nil, err
	}

	kp := req.KeyPath
	bucket := kp.Model()

	switch req.Cmd {
	case ir.CmdCreate:
		item, err := s.store.CreateDoc(ctx, bucket, req.Doc)
		if err != nil {
			return nil, nil, err
		}
		return &ir.Response{ID: item.ID, Item: &item}, nil, nil

	case ir.CmdPut:
		item, err := s.store.PutDoc(ctx, bucket, kp.Last(), req.Doc, req.Rev)
		if err != nil {
			return nil, nil, err
		}
		n := &ir.Notification{Kind: ir.KindUpdate, KeyPath: kp, ID: item.ID, Item: &item}
		return &ir.Response{ID: item.ID, Item: &item}, n, nil

	case ir.CmdFetch:
		item, err := s.store.FetchDoc(ctx, bucket, kp.Last())
		if err != nil {
			return nil, nil, err
		}
		return &ir.Response{Item: &item}, nil, nil

	case ir.CmdDel:
		if err := s.store.DeleteDoc(ctx, bucket, kp.Last()); err != nil {
			return nil, nil, err
		}
		return &ir.Response{ID: kp.Last()}, &ir.Notification{Kind: ir.KindDelete, KeyPath: kp, ID: kp.Last()}, nil

	case ir.CmdAdd:
		if err := s.store.AddMembers(ctx, kp, req.IDs); err != nil {
			return nil, nil, err
		}
		items, err := s.itemsOf(ctx, bucket, req.IDs)
		if err != nil {
			return nil, nil, err
		}
		n := &ir.Notification{Kind: ir.KindAdd, KeyPath: kp, IDs: req.IDs, Items: items}
		return &ir.Response{Items: items}, n, nil

	case ir.CmdRemove:
		if err := s.store.RemoveMembers(ctx, kp, req.IDs); err != nil {
			return nil, nil, err
		}
		return &ir.Response{}, &ir.Notification{Kind: ir.KindRemove, KeyPath: kp, IDs: req.IDs}, nil

	case ir.CmdFind:
		items, err := s.store.FindMembers(ctx, kp, req.Query)
		if err != nil {
			return nil, nil, err
		}
		return &ir.Response{Items: items}, nil, nil

	case ir.CmdAll:
		seq, err := s.isSequence(ctx, kp)
		if err != nil {
			return nil, nil, err
		}
		if seq {
			entries, err := s.store.Entries(ctx, kp)
			if err != nil {
				return nil, nil, err
			}
			return &ir.Response{Sequence: true, Entries: entries}, nil, nil
		}
		items, err := s.store.Members(ctx, kp)
		if err != nil {
			return nil, nil, err
		}
		return &ir.Response{Items: items}, nil, nil

	case ir.CmdFirst, ir.CmdLast, ir.CmdNext, ir.CmdPrev:
		node, err := s.traverse(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		resp := &ir.Response{Sequence: true}
		if node != nil {
			entry, err := s.entry(ctx, bucket, *node)
			if err != nil {
				return nil, nil, err
			}
			resp.Entry = &entry
		}
		return resp, nil, nil

	case ir.CmdInsertBefore:
		node, err := s.store.InsertBefore(ctx, kp, req.RefID, req.ItemID)
		if err != nil {
			return nil, nil, err
		}
		entry, err := s.entry(ctx, bucket, node)
		if err != nil {
			return nil, nil, err
		}
		n := &ir.Notification{Kind: ir.KindInsertBefore, KeyPath: kp, ID: node.ID, Item: &entry.Item}
		if req.RefID != "" {
			n.RefID = node.Next
		}
		return &ir.Response{ID: node.ID, Sequence: true, Entry: &entry}, n, nil

	case ir.CmdDeleteItem:
		node, err := s.store.DeleteItem(ctx, kp, req.ID)
		if err != nil {
			return nil, nil, err
		}
		n := &ir.Notification{Kind: ir.KindDeleteItem, KeyPath: kp, ID: node.ID, IDs: []string{node.ItemKey}}
		return &ir.Response{ID: node.ID, Sequence: true}, n, nil
	}
	return nil, nil, ir.NewValidationError(fmt.Sprintf("unknown command %q", req.Cmd), kp)
}

func (s *Service) traverse(ctx context.Context, req *ir.Request) (*store.Node, error) {
	switch req.Cmd {
	case ir.CmdFirst:
		return s.store.First(ctx, req.KeyPath)
	case ir.CmdLast:
		return s.store.Last(ctx, req.KeyPath)
	case ir.CmdNext:
		return s.store.Next(ctx, req.KeyPath, req.ID)
	default:
		return s.store.Prev(ctx, req.KeyPath, req.ID)
	}
}

// isSequence decides how `all` answers. Configured models decide; otherwise
// a group is a sequence once something was inserted into it.
func (s *Service) isSequence(ctx context.Context, kp ir.KeyPath) (bool, error) {
	if s.cfg != nil && !s.cfg.Open() {
		kind, _ := s.cfg.Kind(kp.Model())
		return kind == config.ModelSequence, nil
	}
	return s.store.HasSequence(ctx, kp)
}

func (s *Service) entry(ctx context.Context, bucket string, node store.Node) (ir.SeqEntry, error) {
	docs, err := s.store.FetchDocs(ctx, bucket, []string{node.ItemKey})
	if err != nil {
		return ir.SeqEntry{}, err
	}
	return s.store.Entry(node, docs), nil
}

// itemsOf returns the documents for ids in order, with an id-only item for
// each id whose document is missing.
func (s *Service) itemsOf(ctx context.Context, bucket string, ids []string) ([]ir.Item, error) {
	docs, err := s.store.FetchDocs(ctx, bucket, ids)
	if err != nil {
		return nil, err
	}
	items := make([]ir.Item, len(ids))
	for i, id := range ids {
		item, ok := docs[id]
		if !ok {
			item = ir.Item{ID: id, Persisted: true}
		}
		items[i] = item
	}
	return items, nil
}

// Compact reaps the tombstones of every sequence, or only of kp when given.
func (s *Service) Compact(ctx context.Context, kp ir.KeyPath) (map[string]int, error) {
	keys := []string{kp.String()}
	if len(kp) == 0 {
		var err error
		if keys, err = s.store.SequenceKeys(ctx); err != nil {
			return nil, err
		}
	}
	reaped := make(map[string]int, len(keys))
	for _, key := range keys {
		seq, err := ir.ParseKeyPath(key)
		if err != nil {
			return nil, err
		}
		n, err := s.store.Compact(ctx, seq)
		if err != nil {
			return nil, err
		}
		reaped[key] = n
	}
	return reaped, nil
}
