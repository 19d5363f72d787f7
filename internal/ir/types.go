package ir

import (
	"fmt"
	"maps"
)

// Doc is the body of a document: a decoded JSON object. The identity and
// revision of a document are kept on Item, never inside Doc.
type Doc map[string]any

// Clone returns a deep copy of nested maps and slices.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Doc:
		return val.Clone()
	case map[string]any:
		return map[string]any(Doc(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	}
	return v
}

// Merge returns a copy of d with every field of patch applied on top.
func (d Doc) Merge(patch Doc) Doc {
	out := d.Clone()
	if out == nil {
		out = Doc{}
	}
	maps.Copy(out, patch.Clone())
	return out
}

// Item is a document together with its identity.
type Item struct {
	ID string `json:"id"`
	// Rev counts server-side writes. Zero means the server has not seen the
	// document yet.
	Rev int64 `json:"rev,omitempty"`
	// Persisted is set once the server assigned the permanent id.
	Persisted bool `json:"persisted,omitempty"`
	Doc       Doc  `json:"doc,omitempty"`
}

// SeqEntry is one position of a sequence: the list node id and the item the
// node references.
type SeqEntry struct {
	ID   string `json:"id"`
	Item Item   `json:"item"`
}

// Command names one operation of the queue/RPC vocabulary.
type Command string

const (
	CmdCreate       Command = "create"
	CmdPut          Command = "put"
	CmdFetch        Command = "fetch"
	CmdDel          Command = "del"
	CmdAdd          Command = "add"
	CmdRemove       Command = "remove"
	CmdFind         Command = "find"
	CmdAll          Command = "all"
	CmdFirst        Command = "first"
	CmdLast         Command = "last"
	CmdNext         Command = "next"
	CmdPrev         Command = "prev"
	CmdInsertBefore Command = "insertBefore"
	CmdDeleteItem   Command = "deleteItem"
)

// Commands lists the vocabulary in a stable order.
var Commands = []Command{
	CmdCreate, CmdPut, CmdFetch, CmdDel, CmdAdd, CmdRemove, CmdFind,
	CmdAll, CmdFirst, CmdLast, CmdNext, CmdPrev, CmdInsertBefore, CmdDeleteItem,
}

// Valid reports whether c is part of the vocabulary.
func (c Command) Valid() bool {
	for _, known := range Commands {
		if c == known {
			return true
		}
	}
	return false
}

// Mutating reports whether c changes server state. Only mutating commands
// are persisted in the client queue and published to other clients.
func (c Command) Mutating() bool {
	switch c {
	case CmdCreate, CmdPut, CmdDel, CmdAdd, CmdRemove, CmdInsertBefore, CmdDeleteItem:
		return true
	}
	return false
}

// Kind returns the notification kind a successful c is broadcast as.
// Create is not broadcast: nobody can observe a document before it exists.
func (c Command) Kind() (Kind, bool) {
	switch c {
	case CmdPut:
		return KindUpdate, true
	case CmdDel:
		return KindDelete, true
	case CmdAdd:
		return KindAdd, true
	case CmdRemove:
		return KindRemove, true
	case CmdInsertBefore:
		return KindInsertBefore, true
	case CmdDeleteItem:
		return KindDeleteItem, true
	}
	return "", false
}

// Request is the tagged request variant. Cmd decides which of the other
// fields are meaningful:
//
//	create        KeyPath=group or bucket, Doc, TempID=temporary item id
//	put           KeyPath=document, Doc, Rev=expected revision (0 = any)
//	fetch, del    KeyPath=document
//	add, remove   KeyPath=collection, IDs
//	find          KeyPath=collection, Query (field equality)
//	all           KeyPath=group
//	first, last   KeyPath=sequence
//	next, prev    KeyPath=sequence, ID=node or item id
//	insertBefore  KeyPath=sequence, RefID=anchor ("" = end), ItemID, TempID=temporary node id
//	deleteItem    KeyPath=sequence, ID=node or item id
type Request struct {
	Cmd     Command  `json:"cmd"`
	KeyPath KeyPath  `json:"keyPath"`
	ID      string   `json:"id,omitempty"`
	RefID   string   `json:"refId,omitempty"`
	ItemID  string   `json:"itemId,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	Doc     Doc      `json:"doc,omitempty"`
	Rev     int64    `json:"rev,omitempty"`
	Query   Doc      `json:"query,omitempty"`
	TempID  string   `json:"tempId,omitempty"`
	// NoPublish suppresses the broadcast of a successful mutation.
	NoPublish bool `json:"noPublish,omitempty"`
}

// Clone returns a copy safe to modify independently.
func (r Request) Clone() Request {
	out := r
	out.KeyPath = NewKeyPath(r.KeyPath...)
	if r.IDs != nil {
		out.IDs = append([]string(nil), r.IDs...)
	}
	out.Doc = r.Doc.Clone()
	out.Query = r.Query.Clone()
	return out
}

// References reports whether any field of r names id.
func (r Request) References(id string) bool {
	if id == "" {
		return false
	}
	if r.ID == id || r.RefID == id || r.ItemID == id || r.KeyPath.Contains(id) {
		return true
	}
	for _, v := range r.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// Rewrite replaces every reference to from with to and reports whether
// anything changed. TempID is left alone: it names the resource this request
// creates, not one it refers to.
func (r *Request) Rewrite(from, to string) bool {
	changed := false
	if kp, ok := r.KeyPath.Rewrite(from, to); ok {
		r.KeyPath = kp
		changed = true
	}
	for _, f := range []*string{&r.ID, &r.RefID, &r.ItemID} {
		if *f == from {
			*f = to
			changed = true
		}
	}
	for i, v := range r.IDs {
		if v == from {
			r.IDs[i] = to
			changed = true
		}
	}
	return changed
}

// Validate checks a request's shape without contacting the server.
func (r Request) Validate() error {
	if !r.Cmd.Valid() {
		return NewValidationError(fmt.Sprintf("unknown command %q", r.Cmd), r.KeyPath)
	}
	if err := r.KeyPath.Validate(); err != nil {
		return err
	}
	kp := r.KeyPath

	switch r.Cmd {
	case CmdPut, CmdFetch, CmdDel:
		if !kp.IsDocument() {
			return NewValidationError(string(r.Cmd)+" requires a document key path", kp)
		}
	default:
		if !kp.IsGroup() {
			return NewValidationError(string(r.Cmd)+" requires a group key path", kp)
		}
	}

	switch r.Cmd {
	case CmdAdd, CmdRemove:
		if len(r.IDs) == 0 {
			return NewValidationError(string(r.Cmd)+" requires ids", kp)
		}
	case CmdInsertBefore:
		if r.ItemID == "" {
			return NewValidationError("insertBefore requires an item id", kp)
		}
	case CmdDeleteItem, CmdNext, CmdPrev:
		if r.ID == "" {
			return NewValidationError(string(r.Cmd)+" requires an id", kp)
		}
	}
	return nil
}

// Response carries the result of a request. Which fields are set depends on
// the command.
type Response struct {
	// ID is the permanent id assigned by create and insertBefore.
	ID      string     `json:"id,omitempty"`
	Item    *Item      `json:"item,omitempty"`
	Items   []Item     `json:"items,omitempty"`
	Entry   *SeqEntry  `json:"entry,omitempty"`
	Entries []SeqEntry `json:"entries,omitempty"`
	// Sequence is set on all responses for ordered groups.
	Sequence bool       `json:"sequence,omitempty"`
	Error    *SyncError `json:"error,omitempty"`
}

// Kind is a notification kind; each kind is one broker channel.
type Kind string

const (
	KindUpdate       Kind = "update"
	KindDelete       Kind = "delete"
	KindAdd          Kind = "add"
	KindRemove       Kind = "remove"
	KindInsertBefore Kind = "insertBefore"
	KindDeleteItem   Kind = "deleteItem"
)

// Kinds lists every notification kind.
var Kinds = []Kind{KindUpdate, KindDelete, KindAdd, KindRemove, KindInsertBefore, KindDeleteItem}

// Notification announces a mutation to every observer of KeyPath.
type Notification struct {
	Kind    Kind    `json:"kind"`
	KeyPath KeyPath `json:"keyPath"`
	// ID is the document id (update, delete) or list node id (insertBefore,
	// deleteItem).
	ID string `json:"id,omitempty"`
	// RefID is the node the new node was inserted before, "" for the end.
	RefID string   `json:"refId,omitempty"`
	IDs   []string `json:"ids,omitempty"`
	Item  *Item    `json:"item,omitempty"`
	Items []Item   `json:"items,omitempty"`
	// ClientID is the author. The hub never delivers a notification back to
	// the socket with this id.
	ClientID string `json:"clientId,omitempty"`
}

// FrameType tags a websocket frame.
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameCall      FrameType = "call"
	FrameReply     FrameType = "reply"
	FrameObserve   FrameType = "observe"
	FrameUnobserve FrameType = "unobserve"
	FrameNotify    FrameType = "notify"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type         FrameType     `json:"type"`
	Seq          uint64        `json:"seq,omitempty"`
	ClientID     string        `json:"clientId,omitempty"`
	KeyPath      KeyPath       `json:"keyPath,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}
