package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Mutating(t *testing.T) {
	mutating := map[Command]bool{
		CmdCreate: true, CmdPut: true, CmdDel: true, CmdAdd: true,
		CmdRemove: true, CmdInsertBefore: true, CmdDeleteItem: true,
	}
	for _, c := range Commands {
		assert.Equal(t, mutating[c], c.Mutating(), "command %s", c)
		assert.True(t, c.Valid())
	}
	assert.False(t, Command("drop").Valid())
}

func TestCommand_Kind(t *testing.T) {
	k, ok := CmdPut.Kind()
	require.True(t, ok)
	assert.Equal(t, KindUpdate, k)

	_, ok = CmdCreate.Kind()
	assert.False(t, ok, "create is not broadcast")

	_, ok = CmdFetch.Kind()
	assert.False(t, ok)
}

func TestRequest_Rewrite(t *testing.T) {
	req := Request{
		Cmd:     CmdInsertBefore,
		KeyPath: KeyPath{"zoo", "tmp1", "animals"},
		RefID:   "tmp1",
		ItemID:  "tmp1",
		IDs:     []string{"a", "tmp1"},
		TempID:  "tmp1",
	}

	changed := req.Rewrite("tmp1", "srv42")

	require.True(t, changed)
	assert.Equal(t, KeyPath{"zoo", "srv42", "animals"}, req.KeyPath)
	assert.Equal(t, "srv42", req.RefID)
	assert.Equal(t, "srv42", req.ItemID)
	assert.Equal(t, []string{"a", "srv42"}, req.IDs)
	assert.Equal(t, "tmp1", req.TempID, "own temp id is not a reference")
	assert.False(t, req.References("tmp1"))
}

func TestRequest_CloneIsIndependent(t *testing.T) {
	req := Request{Cmd: CmdAdd, KeyPath: KeyPath{"zoo", "1", "animals"}, IDs: []string{"a"}}
	c := req.Clone()
	c.Rewrite("a", "b")
	c.Rewrite("1", "2")

	assert.Equal(t, []string{"a"}, req.IDs)
	assert.Equal(t, KeyPath{"zoo", "1", "animals"}, req.KeyPath)
}

func TestFrame_WireFormat(t *testing.T) {
	f := Frame{
		Type: FrameCall,
		Seq:  7,
		Request: &Request{
			Cmd:     CmdInsertBefore,
			KeyPath: KeyPath{"zoo", "123", "animals"},
			ItemID:  "a1",
		},
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"call","seq":7,"request":{"cmd":"insertBefore","keyPath":["zoo","123","animals"],"itemId":"a1"}}`,
		string(data))
}

func TestSyncError_Helpers(t *testing.T) {
	err := NewNotFoundError(KeyPath{"animals", "a1"}, "a1")
	assert.True(t, IsConsistency(err))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "keyPath=animals/a1")

	wrapped := AsSyncError(assert.AnError)
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.Nil(t, AsSyncError(nil))
}

func TestRequest_Validate(t *testing.T) {
	group := KeyPath{"zoo", "1", "animals"}
	doc := KeyPath{"animals", "a1"}

	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"create in group", Request{Cmd: CmdCreate, KeyPath: group}, true},
		{"put on document", Request{Cmd: CmdPut, KeyPath: doc}, true},
		{"put on group", Request{Cmd: CmdPut, KeyPath: group}, false},
		{"all on document", Request{Cmd: CmdAll, KeyPath: doc}, false},
		{"add without ids", Request{Cmd: CmdAdd, KeyPath: group}, false},
		{"insert without item", Request{Cmd: CmdInsertBefore, KeyPath: group}, false},
		{"next without id", Request{Cmd: CmdNext, KeyPath: group}, false},
		{"unknown command", Request{Cmd: "drop", KeyPath: group}, false},
		{"empty key path", Request{Cmd: CmdAll}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsValidation(err), "got %v", err)
			}
		})
	}
}
