// Package patch computes and applies structural patches between two versions
// of a replica value.
//
// A patch is an ordered list of Ops. Applying Diff(a, b) to a yields a value
// equal to b. Apply never mutates its input: nodes along each changed path
// are copied and everything else is shared.
package patch

import (
	"fmt"
	"strings"
)

// Kind names a patch operation.
type Kind string

const (
	// Add inserts a key, array element or set member.
	Add Kind = "add"
	// Replace overwrites an existing node. An empty path replaces the root.
	Replace Kind = "replace"
	// Remove deletes a key, array element or set member.
	Remove Kind = "remove"
)

// Path addresses a node. Elements are string keys (objects, maps, set
// members) or int indexes (arrays).
type Path []any

// String renders the path as /a/0/b for logs.
func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, elem := range p {
		b.WriteByte('/')
		fmt.Fprintf(&b, "%v", elem)
	}
	return b.String()
}

func (p Path) with(elem any) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = elem
	return out
}

// ApplyError reports the op that could not be applied.
type ApplyError struct {
	Index  int
	Op     Kind
	Path   Path
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("patch op %d (%s %s): %s", e.Index, e.Op, e.Path, e.Reason)
}
