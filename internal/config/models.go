package config

import (
	"fmt"

	"github.com/roach88/tandem/internal/ir"
)

// Kind returns the configured kind of bucket.
func (c *Config) Kind(bucket string) (ModelKind, bool) {
	m, ok := c.Models[bucket]
	return m.Kind, ok
}

// Open reports whether the server accepts any bucket.
func (c *Config) Open() bool {
	return len(c.Models) == 0
}

// ValidateRequest checks that every bucket named by req.KeyPath is known and
// that the command fits the kind of the addressed group. With no models
// configured every request passes.
func (c *Config) ValidateRequest(req ir.Request) error {
	if c == nil || c.Open() {
		return nil
	}
	kp := req.KeyPath
	for i := 0; i < len(kp); i += 2 {
		if _, ok := c.Models[kp[i]]; !ok {
			return ir.NewValidationError(fmt.Sprintf("unknown bucket %q", kp[i]), kp)
		}
	}
	if !kp.IsGroup() {
		return nil
	}

	kind, _ := c.Kind(kp.Model())
	switch req.Cmd {
	case ir.CmdCreate:
		return nil
	case ir.CmdAll:
		if kind == ModelDocument {
			return ir.NewValidationError(fmt.Sprintf("bucket %q is not a group model", kp.Model()), kp)
		}
	case ir.CmdAdd, ir.CmdRemove, ir.CmdFind:
		if kind != ModelCollection {
			return ir.NewValidationError(fmt.Sprintf("%s requires a collection, %q is %s", req.Cmd, kp.Model(), kind), kp)
		}
	case ir.CmdFirst, ir.CmdLast, ir.CmdNext, ir.CmdPrev, ir.CmdInsertBefore, ir.CmdDeleteItem:
		if kind != ModelSequence {
			return ir.NewValidationError(fmt.Sprintf("%s requires a sequence, %q is %s", req.Cmd, kp.Model(), kind), kp)
		}
	}
	return nil
}
