// Package sysctl is the kern.*/vm.*/security.*/hw.*/debug.test.* node
// tree (spec.md §6): a hierarchical namespace of typed, access-checked
// nodes, each either a plain value or a handler function consulted on
// read or write.
//
// Grounded on original_source/kern/proc_sysctl.c's node-handler contract
// (a SYSCTL_NODE/SYSCTL_INT/... declares a name, flags, and either a
// static value pointer or a handler taking a mib path + sysctl_req) — the
// pack's retrieved repos don't carry a Go sysctl tree of their own, so
// the {INT,UINT,BOOL,STRING,OPAQUE,PROC} node-kind set and the
// dotted-path lookup below follow that file directly rather than a
// teacher idiom.
package sysctl

import (
	"strings"
	"sync"

	"zeke/defs"
	"zeke/priv"
)

// Kind is a sysctl node's value type (CTLTYPE_INT/UINT/STRING/OPAQUE/
// NODE, proc_sysctl.c's SYSCTL_INT/SYSCTL_STRING/... macro family).
type Kind int

const (
	KindInt Kind = iota
	KindUint
	KindBool
	KindString
	KindOpaque
	KindProc // backed by a Handler rather than a static value
)

// Flag marks a node readable and/or writable (CTLFLAG_RD/CTLFLAG_RW).
type Flag uint32

const (
	FlagRD Flag = 1 << iota
	FlagWR
	// FlagSecure requires securelevel <= 0 to write (CTLFLAG_SECURE).
	FlagSecure
)

// Handler services a KindProc node: Get returns the current value
// encoded as bytes, Set applies a write (or returns -EPERM/-ENOTSUP if
// the node is read-only). Both receive the credential making the
// request for any handler-internal privilege check beyond the node's
// own Flag/securelevel gate (proc_sysctl.c's req->cred threaded through
// every KERN_PROC_* case).
type Handler struct {
	Get func(cred *priv.Cred_t) ([]byte, defs.Err_t)
	Set func(cred *priv.Cred_t, val []byte) defs.Err_t
}

// Node is one entry in the tree: a leaf with a kind/flags/value, or an
// interior node holding children.
type Node struct {
	mu sync.Mutex

	name     string
	kind     Kind
	flags    Flag
	children map[string]*Node

	intVal    int
	uintVal   uint
	boolVal   bool
	stringVal string
	opaqueVal []byte
	handler   Handler

	getInt func() int // live-computed INT node (e.g. vm.dynmem.free)
}

// Tree is the root of a sysctl namespace.
type Tree struct {
	root *Node
}

// NewTree returns an empty tree with the top-level kern/vm/security/hw/
// debug namespaces pre-created (spec.md §6's listed top-level names).
func NewTree() *Tree {
	root := &Node{name: "", kind: KindOpaque, children: map[string]*Node{}}
	t := &Tree{root: root}
	for _, ns := range []string{"kern", "vm", "security", "hw", "debug"} {
		t.mkdir(ns)
	}
	return t
}

func (t *Tree) mkdir(path string) *Node {
	n := t.root
	for _, part := range strings.Split(path, ".") {
		n.mu.Lock()
		child, ok := n.children[part]
		if !ok {
			child = &Node{name: part, kind: KindOpaque, children: map[string]*Node{}}
			n.children[part] = child
		}
		n.mu.Unlock()
		n = child
	}
	return n
}

func (t *Tree) lookup(path string) *Node {
	n := t.root
	for _, part := range strings.Split(path, ".") {
		n.mu.Lock()
		child, ok := n.children[part]
		n.mu.Unlock()
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

func splitParent(path string) (parent, leaf string) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func (t *Tree) addLeaf(path string, n *Node) {
	parent, leaf := splitParent(path)
	p := t.root
	if parent != "" {
		p = t.mkdir(parent)
	}
	n.name = leaf
	p.mu.Lock()
	p.children[leaf] = n
	p.mu.Unlock()
}

// AddInt registers a fixed INT node at path.
func (t *Tree) AddInt(path string, flags Flag, val int) {
	t.addLeaf(path, &Node{kind: KindInt, flags: flags, intVal: val})
}

// AddIntFunc registers an INT node whose value is computed on every read
// (vm.dynmem.free and friends: always current, never stale).
func (t *Tree) AddIntFunc(path string, flags Flag, get func() int) {
	t.addLeaf(path, &Node{kind: KindInt, flags: flags &^ FlagWR, getInt: get})
}

// AddBool registers a fixed BOOL node at path.
func (t *Tree) AddBool(path string, flags Flag, val bool) {
	t.addLeaf(path, &Node{kind: KindBool, flags: flags, boolVal: val})
}

// AddString registers a fixed STRING node at path.
func (t *Tree) AddString(path string, flags Flag, val string) {
	t.addLeaf(path, &Node{kind: KindString, flags: flags, stringVal: val})
}

// AddProc registers a handler-backed PROC node at path.
func (t *Tree) AddProc(path string, flags Flag, h Handler) {
	t.addLeaf(path, &Node{kind: KindProc, flags: flags, handler: h})
}

func (t *Tree) checkAccess(n *Node, cred *priv.Cred_t, write bool) defs.Err_t {
	if !write {
		if n.flags&FlagRD == 0 {
			return -defs.EPERM
		}
		return 0
	}
	if n.flags&FlagWR == 0 {
		return -defs.EPERM
	}
	if n.flags&FlagSecure != 0 {
		if err := priv.SecurelevelGE(1); err != 0 {
			return err
		}
	}
	return priv.Check(cred, priv.PrivSysctlWrite)
}

// GetInt reads an INT node, returning -ENOENT if path doesn't resolve to
// one and -EPERM if cred lacks read access.
func (t *Tree) GetInt(path string, cred *priv.Cred_t) (int, defs.Err_t) {
	n := t.lookup(path)
	if n == nil || n.kind != KindInt {
		return 0, -defs.ENOENT
	}
	if err := t.checkAccess(n, cred, false); err != 0 {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.getInt != nil {
		return n.getInt(), 0
	}
	return n.intVal, 0
}

// SetInt writes an INT node.
func (t *Tree) SetInt(path string, cred *priv.Cred_t, val int) defs.Err_t {
	n := t.lookup(path)
	if n == nil || n.kind != KindInt {
		return -defs.ENOENT
	}
	if err := t.checkAccess(n, cred, true); err != 0 {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.getInt != nil {
		return -defs.ENOTSUP
	}
	n.intVal = val
	return 0
}

// GetBool reads a BOOL node.
func (t *Tree) GetBool(path string, cred *priv.Cred_t) (bool, defs.Err_t) {
	n := t.lookup(path)
	if n == nil || n.kind != KindBool {
		return false, -defs.ENOENT
	}
	if err := t.checkAccess(n, cred, false); err != 0 {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.boolVal, 0
}

// SetBool writes a BOOL node.
func (t *Tree) SetBool(path string, cred *priv.Cred_t, val bool) defs.Err_t {
	n := t.lookup(path)
	if n == nil || n.kind != KindBool {
		return -defs.ENOENT
	}
	if err := t.checkAccess(n, cred, true); err != 0 {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.boolVal = val
	return 0
}

// GetString reads a STRING node.
func (t *Tree) GetString(path string, cred *priv.Cred_t) (string, defs.Err_t) {
	n := t.lookup(path)
	if n == nil || n.kind != KindString {
		return "", -defs.ENOENT
	}
	if err := t.checkAccess(n, cred, false); err != 0 {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stringVal, 0
}

// Entry is one leaf reported by Walk: its dotted path and value kind.
type Entry struct {
	Path string
	Kind Kind
}

// Walk returns every leaf node's dotted path and kind (sysctl -a's
// full-tree enumeration, proc_sysctl.c's CTL_SYSCTL/sysctl(8) -a walk
// generalized to this tree's node shape).
func (t *Tree) Walk() []Entry {
	var out []Entry
	var rec func(prefix string, n *Node)
	rec = func(prefix string, n *Node) {
		n.mu.Lock()
		children := make(map[string]*Node, len(n.children))
		for name, child := range n.children {
			children[name] = child
		}
		leaf := len(n.children) == 0 && prefix != ""
		kind := n.kind
		n.mu.Unlock()

		if leaf {
			out = append(out, Entry{Path: prefix, Kind: kind})
			return
		}
		for name, child := range children {
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			rec(path, child)
		}
	}
	rec("", t.root)
	return out
}

// CallProc invokes a PROC node's Get (read) or Set (write) half.
func (t *Tree) CallProc(path string, cred *priv.Cred_t, write bool, val []byte) ([]byte, defs.Err_t) {
	n := t.lookup(path)
	if n == nil || n.kind != KindProc {
		return nil, -defs.ENOENT
	}
	if err := t.checkAccess(n, cred, write); err != 0 {
		return nil, err
	}
	if write {
		if n.handler.Set == nil {
			return nil, -defs.ENOTSUP
		}
		return nil, n.handler.Set(cred, val)
	}
	if n.handler.Get == nil {
		return nil, -defs.ENOTSUP
	}
	return n.handler.Get(cred)
}
