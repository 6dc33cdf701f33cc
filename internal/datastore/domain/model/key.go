package model

import (
	"fmt"
	"strconv"
	"strings"

	"gcloud-connector/internal/shared/errors"
)

// KeyProperty is the reserved property name used to filter or order on the
// entity key itself.
const KeyProperty = "__key__"

// reservedPrefix marks identifiers the datastore keeps for itself.
const reservedPrefix = "__"

// PathElement is a single (kind, id) pair in a key path. ID is an int64, a
// string name, or nil for an incomplete key.
type PathElement struct {
	Kind string      `json:"kind"`
	ID   interface{} `json:"id"`
}

// Key identifies an entity: a namespace plus a path of kind/ID pairs, the
// last element being the entity itself and the preceding ones its ancestors.
type Key struct {
	Namespace string        `json:"namespace,omitempty"`
	Path      []PathElement `json:"path"`
}

// NewKey returns an empty root key for a namespace. Build concrete keys with
// IntID, StringID or IncompleteID.
func NewKey(namespace string) Key {
	return Key{Namespace: namespace}
}

func (k Key) child(kind string, id interface{}) Key {
	path := make([]PathElement, len(k.Path), len(k.Path)+1)
	copy(path, k.Path)
	path = append(path, PathElement{Kind: kind, ID: id})
	return Key{Namespace: k.Namespace, Path: path}
}

// IntID appends a kind with a numeric ID to the key path.
func (k Key) IntID(kind string, id int64) Key {
	return k.child(kind, id)
}

// StringID appends a kind with a name ID to the key path.
func (k Key) StringID(kind, name string) Key {
	return k.child(kind, name)
}

// IncompleteID appends a kind without an ID; the backend completes it on put.
func (k Key) IncompleteID(kind string) Key {
	return k.child(kind, nil)
}

// Kind returns the kind of the leaf path element.
func (k Key) Kind() string {
	if len(k.Path) == 0 {
		return ""
	}
	return k.Path[len(k.Path)-1].Kind
}

// ID returns the ID of the leaf path element.
func (k Key) ID() interface{} {
	if len(k.Path) == 0 {
		return nil
	}
	return k.Path[len(k.Path)-1].ID
}

// IntIDValue returns the leaf ID as an int64, or 0 if it is not numeric.
func (k Key) IntIDValue() int64 {
	id, _ := k.ID().(int64)
	return id
}

// NameValue returns the leaf ID as a string, or "" if it is not a name.
func (k Key) NameValue() string {
	name, _ := k.ID().(string)
	return name
}

// Incomplete reports whether the key still needs an ID from the backend.
func (k Key) Incomplete() bool {
	return len(k.Path) == 0 || k.Path[len(k.Path)-1].ID == nil
}

// Parent returns the ancestor key, or a zero key when there is none.
func (k Key) Parent() Key {
	if len(k.Path) <= 1 {
		return Key{Namespace: k.Namespace}
	}
	path := make([]PathElement, len(k.Path)-1)
	copy(path, k.Path)
	return Key{Namespace: k.Namespace, Path: path}
}

// HasParent reports whether the key has an ancestor element.
func (k Key) HasParent() bool {
	return len(k.Path) > 1
}

// IsZero reports whether the key has no path at all.
func (k Key) IsZero() bool {
	return len(k.Path) == 0
}

// Equal compares namespace and the full path, including ID types.
func (k Key) Equal(o Key) bool {
	if k.Namespace != o.Namespace || len(k.Path) != len(o.Path) {
		return false
	}
	for i, pe := range k.Path {
		if pe.Kind != o.Path[i].Kind {
			return false
		}
		if pe.ID != o.Path[i].ID {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether k is an ancestor of child (or equal to its
// ancestor prefix). A root key is an ancestor of every key in its namespace.
func (k Key) IsAncestorOf(child Key) bool {
	if k.Namespace != child.Namespace {
		return false
	}
	if len(k.Path) > len(child.Path) {
		return false
	}
	for i, pe := range k.Path {
		if pe.Kind != child.Path[i].Kind {
			return false
		}
		if pe.ID != child.Path[i].ID {
			return false
		}
	}
	return true
}

// Compare imposes the datastore's total key order: keys with more ancestors
// first, then integer IDs before names, then value order, recursing into
// parents on ties.
func (k Key) Compare(o Key) int {
	leftParents := len(k.Path) - 1
	rightParents := len(o.Path) - 1
	if leftParents > rightParents {
		return -1
	} else if leftParents < rightParents {
		return 1
	}

	leftID := k.ID()
	rightID := o.ID()

	rank := 0
	switch leftID.(type) {
	case int64:
		rank = -2
	case string:
		rank = -1
	}
	switch rightID.(type) {
	case int64:
		rank += 2
	case string:
		rank += 1
	}
	if rank < 0 {
		return -1
	} else if rank > 0 {
		return 1
	}

	comp := 0
	switch l := leftID.(type) {
	case int64:
		r := rightID.(int64)
		if l < r {
			comp = -1
		} else if l > r {
			comp = 1
		}
	case string:
		comp = strings.Compare(l, rightID.(string))
	}
	if comp != 0 {
		return comp
	}

	if len(k.Path) > 1 {
		return k.Parent().Compare(o.Parent())
	}
	return 0
}

// Validate checks the key is usable for a write: non-empty path, no reserved
// kinds or names, no zero integer IDs.
func (k Key) Validate() error {
	if len(k.Path) == 0 {
		return errors.NewValidationError("key has an empty path")
	}
	for _, pe := range k.Path {
		if pe.Kind == "" {
			return errors.NewValidationError("key path element has an empty kind")
		}
		if strings.HasPrefix(pe.Kind, reservedPrefix) {
			return errors.NewNotSupportedError(
				fmt.Sprintf("kinds cannot start with %s, got %s", reservedPrefix, pe.Kind))
		}
		switch id := pe.ID.(type) {
		case int64:
			if id == 0 {
				return errors.NewIntegrityError("the datastore doesn't support 0 as a key value")
			}
		case string:
			if id == "" {
				return errors.NewValidationError("key names cannot be empty")
			}
			if strings.HasPrefix(id, reservedPrefix) {
				return errors.NewNotSupportedError(
					fmt.Sprintf("datastore ids cannot start with %s, id was %s", reservedPrefix, id))
			}
		case nil:
			// Incomplete; completed by the backend on put.
		default:
			return errors.NewValidationError(fmt.Sprintf("unsupported key ID type %T", pe.ID))
		}
	}
	return nil
}

// Encode renders the key as a stable string: ns~Kind:i5/Child:nname.
// Integer IDs carry an "i" prefix and names an "n" prefix so the two never
// collide. Used for cache keys and as the stored document ID.
func (k Key) Encode() string {
	var b strings.Builder
	if k.Namespace != "" {
		b.WriteString(k.Namespace)
		b.WriteString("~")
	}
	for i, pe := range k.Path {
		if i > 0 {
			b.WriteString("/")
		}
		b.WriteString(pe.Kind)
		b.WriteString(":")
		switch id := pe.ID.(type) {
		case int64:
			b.WriteString("i")
			b.WriteString(strconv.FormatInt(id, 10))
		case string:
			b.WriteString("n")
			b.WriteString(id)
		default:
			b.WriteString("x")
		}
	}
	return b.String()
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return "Key(" + k.Encode() + ")"
}

// DecodeKey parses a string produced by Encode.
func DecodeKey(encoded string) (Key, error) {
	namespace := ""
	rest := encoded
	if idx := strings.Index(encoded, "~"); idx >= 0 {
		namespace = encoded[:idx]
		rest = encoded[idx+1:]
	}
	if rest == "" {
		return Key{}, errors.NewValidationError("encoded key has no path")
	}

	key := NewKey(namespace)
	for _, segment := range strings.Split(rest, "/") {
		idx := strings.LastIndex(segment, ":")
		if idx <= 0 || idx == len(segment)-1 {
			return Key{}, errors.NewValidationError("malformed key segment").
				WithDetail("segment", segment)
		}
		kind := segment[:idx]
		tagged := segment[idx+1:]
		switch tagged[0] {
		case 'i':
			id, err := strconv.ParseInt(tagged[1:], 10, 64)
			if err != nil {
				return Key{}, errors.NewValidationError("malformed integer key ID").
					WithDetail("segment", segment)
			}
			key = key.IntID(kind, id)
		case 'n':
			key = key.StringID(kind, tagged[1:])
		case 'x':
			key = key.IncompleteID(kind)
		default:
			return Key{}, errors.NewValidationError("unknown key ID tag").
				WithDetail("segment", segment)
		}
	}
	return key, nil
}
