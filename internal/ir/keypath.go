package ir

import (
	"fmt"
	"slices"
	"strings"
)

// Delimiter joins key path segments into the canonical string form.
const Delimiter = "/"

// KeyPath addresses exactly one resource: a bucket, a document in a bucket,
// or a group nested under a document.
//
// Odd-length paths name groups (collections and sequences) and their last
// segment is the model bucket of the members. Even-length paths name
// documents: the second to last segment is the bucket, the last one the id.
//
//	["animals"]                  group of animals
//	["animals", "a1"]            document a1 in bucket animals
//	["zoo", "123", "animals"]    animals belonging to zoo 123
type KeyPath []string

// NewKeyPath builds a key path from segments.
func NewKeyPath(segments ...string) KeyPath {
	return KeyPath(slices.Clone(segments))
}

// ParseKeyPath splits a canonical string back into a key path and validates it.
func ParseKeyPath(s string) (KeyPath, error) {
	s = strings.Trim(s, Delimiter)
	if s == "" {
		return nil, NewValidationError("empty key path", nil)
	}
	kp := KeyPath(strings.Split(s, Delimiter))
	if err := kp.Validate(); err != nil {
		return nil, err
	}
	return kp, nil
}

// String returns the canonical form, which doubles as room and channel name.
func (k KeyPath) String() string {
	return strings.Join(k, Delimiter)
}

// Validate reports a ValidationError for empty paths and bad segments.
func (k KeyPath) Validate() error {
	if len(k) == 0 {
		return NewValidationError("empty key path", k)
	}
	for i, seg := range k {
		if seg == "" {
			return NewValidationError(fmt.Sprintf("segment %d is empty", i), k)
		}
		if strings.Contains(seg, Delimiter) {
			return NewValidationError(fmt.Sprintf("segment %d contains %q", i, Delimiter), k)
		}
	}
	return nil
}

// IsGroup reports whether the path names a collection or sequence.
func (k KeyPath) IsGroup() bool {
	return len(k)%2 == 1
}

// IsDocument reports whether the path names a single document.
func (k KeyPath) IsDocument() bool {
	return len(k) > 0 && len(k)%2 == 0
}

// Model returns the bucket that members of a group, or the document itself,
// belong to.
func (k KeyPath) Model() string {
	switch {
	case k.IsGroup():
		return k[len(k)-1]
	case k.IsDocument():
		return k[len(k)-2]
	}
	return ""
}

// Last returns the final segment, or "" for an empty path.
func (k KeyPath) Last() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1]
}

// Parent drops the final segment.
func (k KeyPath) Parent() KeyPath {
	if len(k) <= 1 {
		return nil
	}
	return NewKeyPath(k[:len(k)-1]...)
}

// Append returns a new key path with segments added. The receiver is not
// modified.
func (k KeyPath) Append(segments ...string) KeyPath {
	out := make(KeyPath, 0, len(k)+len(segments))
	out = append(out, k...)
	return append(out, segments...)
}

// Equal compares segment by segment.
func (k KeyPath) Equal(other KeyPath) bool {
	return slices.Equal(k, other)
}

// Contains reports whether any segment equals id.
func (k KeyPath) Contains(id string) bool {
	return slices.Contains(k, id)
}

// Rewrite replaces every segment equal to from with to. It returns the
// receiver unchanged, and false, when nothing matched.
func (k KeyPath) Rewrite(from, to string) (KeyPath, bool) {
	if !k.Contains(from) {
		return k, false
	}
	out := NewKeyPath(k...)
	for i, seg := range out {
		if seg == from {
			out[i] = to
		}
	}
	return out, true
}
