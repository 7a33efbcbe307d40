package app

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/store"
)

// Workspace errors returned by worker actions.
var (
	ErrWorkspaceExists   = errors.New("workspace already exists")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrEmptyName         = errors.New("workspace name is empty")
)

// Window-side UI state.
var (
	UI = store.NewSlice("ui").WithVersion(1)

	// Selected is the workspace the window is showing.
	Selected = store.DefineField(UI, "selected", "")

	// OpenNotes lists open note paths in tab order.
	OpenNotes = store.DefineField(UI, "openNotes", []string(nil), store.WithEqual(slices.Equal[[]string]))

	SelectWorkspace = store.DefineAction(UI, "selectWorkspace", func(tx *store.Tx, name string) error {
		Selected.Set(tx, name)
		return nil
	})

	OpenNote = store.DefineAction(UI, "openNote", func(tx *store.Tx, path string) error {
		OpenNotes.Update(tx, func(paths []string) []string {
			if slices.Contains(paths, path) {
				return paths
			}
			return append(slices.Clone(paths), path)
		})
		return nil
	})

	CloseNote = store.DefineAction(UI, "closeNote", func(tx *store.Tx, path string) error {
		OpenNotes.Update(tx, func(paths []string) []string {
			i := slices.Index(paths, path)
			if i < 0 {
				return paths
			}
			return slices.Delete(slices.Clone(paths), i, i+1)
		})
		return nil
	})
)

// Tabs tracks what sibling windows last reported over the broadcast channel.
var (
	Tabs = store.NewSlice("tabs")

	// Peers maps a sibling window's sender id to its selected workspace.
	Peers = store.DefineField(Tabs, "peers", map[string]string(nil), store.WithEqual(func(a, b map[string]string) bool {
		return maps.Equal(a, b)
	}))

	PeerSelected = store.DefineAction(Tabs, "peerSelected", func(tx *store.Tx, p PeerSelection) error {
		Peers.Update(tx, func(m map[string]string) map[string]string {
			next := maps.Clone(m)
			if next == nil {
				next = make(map[string]string)
			}
			next[p.Peer] = p.Workspace
			return next
		})
		return nil
	})
)

// PeerSelection is the payload of PeerSelected.
type PeerSelection struct {
	Peer      string
	Workspace string
}

// WorkspaceInfo is what the worker knows about a workspace.
type WorkspaceInfo struct {
	Modified time.Time
}

// Equal compares modification instants, ignoring location.
func (w WorkspaceInfo) Equal(o WorkspaceInfo) bool {
	return w.Modified.Equal(o.Modified)
}

// WorkspaceEvent is the payload of the workspace actions. At is supplied by
// the caller so the actions stay pure.
type WorkspaceEvent struct {
	Name string
	To   string // rename target
	At   time.Time
}

// Worker-side canonical workspace state.
var (
	WorkspacesSlice = store.NewSlice("workspaces").WithVersion(1)

	Workspaces = store.DefineField(WorkspacesSlice, "all", map[string]WorkspaceInfo(nil),
		store.WithEqual(func(a, b map[string]WorkspaceInfo) bool {
			return maps.EqualFunc(a, b, WorkspaceInfo.Equal)
		}))

	CreateWorkspace = store.DefineAction(WorkspacesSlice, "create", func(tx *store.Tx, ev WorkspaceEvent) error {
		if ev.Name == "" {
			return ErrEmptyName
		}
		all := Workspaces.Get(tx)
		if _, ok := all[ev.Name]; ok {
			return fmt.Errorf("create %q: %w", ev.Name, ErrWorkspaceExists)
		}
		next := maps.Clone(all)
		if next == nil {
			next = make(map[string]WorkspaceInfo)
		}
		next[ev.Name] = WorkspaceInfo{Modified: ev.At}
		Workspaces.Set(tx, next)
		return nil
	})

	RenameWorkspace = store.DefineAction(WorkspacesSlice, "rename", func(tx *store.Tx, ev WorkspaceEvent) error {
		if ev.To == "" {
			return ErrEmptyName
		}
		all := Workspaces.Get(tx)
		info, ok := all[ev.Name]
		if !ok {
			return fmt.Errorf("rename %q: %w", ev.Name, ErrWorkspaceNotFound)
		}
		if _, taken := all[ev.To]; taken {
			return fmt.Errorf("rename to %q: %w", ev.To, ErrWorkspaceExists)
		}
		next := maps.Clone(all)
		delete(next, ev.Name)
		info.Modified = ev.At
		next[ev.To] = info
		Workspaces.Set(tx, next)
		return nil
	})

	DeleteWorkspace = store.DefineAction(WorkspacesSlice, "delete", func(tx *store.Tx, ev WorkspaceEvent) error {
		all := Workspaces.Get(tx)
		if _, ok := all[ev.Name]; !ok {
			return fmt.Errorf("delete %q: %w", ev.Name, ErrWorkspaceNotFound)
		}
		next := maps.Clone(all)
		delete(next, ev.Name)
		Workspaces.Set(tx, next)
		return nil
	})

	TouchWorkspace = store.DefineAction(WorkspacesSlice, "touch", func(tx *store.Tx, ev WorkspaceEvent) error {
		all := Workspaces.Get(tx)
		info, ok := all[ev.Name]
		if !ok {
			return fmt.Errorf("touch %q: %w", ev.Name, ErrWorkspaceNotFound)
		}
		next := maps.Clone(all)
		info.Modified = ev.At
		next[ev.Name] = info
		Workspaces.Set(tx, next)
		return nil
	})
)

// Mirrors. UIMirror flows window to worker, WorkspacesMirror worker to
// window.
var (
	UIMirror = replica.NewMirror("uiMirror", ir.NewObject(
		ir.O("openNotes", ir.Array{}),
		ir.O("selected", ir.String("")),
	))

	WorkspacesMirror = replica.NewMirror("workspacesMirror", ir.NewObject(
		ir.O("workspaces", ir.NewMap()),
	))
)

// ProjectUI is the replicated view of the UI slice.
func ProjectUI(r store.Reader) ir.Value {
	paths := OpenNotes.Get(r)
	arr := make(ir.Array, len(paths))
	for i, p := range paths {
		arr[i] = ir.String(p)
	}
	return ir.NewObject(
		ir.O("openNotes", arr),
		ir.O("selected", ir.String(Selected.Get(r))),
	)
}

// ProjectWorkspaces is the replicated view of the workspaces slice.
func ProjectWorkspaces(r store.Reader) ir.Value {
	all := Workspaces.Get(r)
	m := make(ir.Map, len(all))
	for name, info := range all {
		m[name] = ir.NewObject(ir.O("modified", ir.NewTime(info.Modified)))
	}
	return ir.NewObject(ir.O("workspaces", m))
}

// mirroredWorkspaces extracts the workspace map from a WorkspacesMirror
// replica.
func mirroredWorkspaces(v ir.Value) ir.Map {
	obj, _ := v.(ir.Object)
	m, _ := obj["workspaces"].(ir.Map)
	return m
}

// Session holds window-side values derived across the mirror.
var (
	Session = store.NewSlice("session", UI.Name(), WorkspacesMirror.Name())

	// SelectedWorkspaceKnown reports whether the selected workspace exists
	// in the worker-reported mirror.
	SelectedWorkspaceKnown = store.DefineDerived(Session, "selectedWorkspaceKnown",
		store.Keys(Selected, WorkspacesMirror.Replica),
		func(r store.Reader) bool {
			name := Selected.Get(r)
			if name == "" {
				return false
			}
			_, ok := mirroredWorkspaces(WorkspacesMirror.Replica.Get(r))[name]
			return ok
		})

	// KnownWorkspaces lists the mirrored workspace names in canonical order.
	KnownWorkspaces = store.DefineDerived(Session, "knownWorkspaces",
		store.Keys(WorkspacesMirror.Replica),
		func(r store.Reader) []string {
			return mirroredWorkspaces(WorkspacesMirror.Replica.Get(r)).SortedKeys()
		},
		store.WithEqual(slices.Equal[[]string]))
)

// Focus holds worker-side values derived across the mirror.
var (
	Focus = store.NewSlice("focus", WorkspacesSlice.Name(), UIMirror.Name())

	// FocusedWorkspace is the window's selection if the worker knows it, or
	// "".
	FocusedWorkspace = store.DefineDerived(Focus, "focusedWorkspace",
		store.Keys(Workspaces, UIMirror.Replica),
		func(r store.Reader) string {
			obj, _ := UIMirror.Replica.Get(r).(ir.Object)
			name, _ := obj["selected"].(ir.String)
			if _, ok := Workspaces.Get(r)[string(name)]; !ok {
				return ""
			}
			return string(name)
		})
)

func windowSlices() []*store.Slice {
	return []*store.Slice{UI, Tabs, UIMirror.Slice(), WorkspacesMirror.Slice(), Session}
}

func workerSlices() []*store.Slice {
	return []*store.Slice{WorkspacesSlice, WorkspacesMirror.Slice(), UIMirror.Slice(), Focus}
}
