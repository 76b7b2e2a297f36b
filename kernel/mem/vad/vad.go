// Package vad implements the per-process virtual-address descriptor tree
// (spec §4.6): an AVL keyed by start address describing every reserved or
// committed range in a process's address space, guarded by a push-lock and
// consulted by the pool allocator's paged variant and the page-fault
// handler.
package vad

import (
	"ferrite/kernel"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pfn"
	"ferrite/kernel/mem/vmm"
	"ferrite/kernel/sync"
)

// Flags describes the protection and backing of a VAD range.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagPrivate
	FlagMappedFile
	FlagCopyOnWrite
	// FlagReserved marks a range with no backing: any fault inside it is
	// always an access violation.
	FlagReserved
)

// Node describes one virtual-address range. Height/parent/left/right are
// AVL bookkeeping; callers should treat everything else as read-only once
// Allocate returns it, except FileHandle/FileOffset which Allocate leaves
// for the caller to fill in on a MappedFile range.
type Node struct {
	StartVA, EndVA uintptr // inclusive
	Flags          Flags
	FileHandle     uintptr
	FileOffset     uint64

	parent, left, right *Node
	height              int32
}

// ErrConflictingAddress is returned by Allocate when the requested range
// overlaps an existing VAD.
var ErrConflictingAddress = &kernel.Error{Module: "vad", Message: "conflicting virtual address range"}

// ErrNotFound is returned by Free when no VAD starts at the given base.
var ErrNotFound = &kernel.Error{Module: "vad", Message: "no VAD starts at the given address"}

// ErrRundown is returned when the owning process has started teardown.
var ErrRundown = &kernel.Error{Module: "vad", Message: "process teardown already started"}

// Tree is one process's VAD tree. The zero value is an empty tree.
type Tree struct {
	root *Node
	lock sync.PushLock
}

// The following are swapped out by tests to avoid exercising the real page
// table walker and PFN database.
var (
	frameForAddressFn = vmm.FrameForAddress
	unmapFn           = vmm.Unmap
	releaseFrameFn    = pfn.Release
)

func height(n *Node) int32 {
	if n == nil {
		return -1
	}
	return n.height
}

func maxHeight(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func updateHeight(n *Node) {
	if n == nil {
		return
	}
	n.height = 1 + maxHeight(height(n.left), height(n.right))
}

func balanceFactor(n *Node) int32 {
	if n == nil {
		return 0
	}
	return height(n.right) - height(n.left)
}

func rotateRight(y *Node) *Node {
	x := y.left
	t2 := x.right

	x.right = y
	y.left = t2

	x.parent = y.parent
	y.parent = x
	if t2 != nil {
		t2.parent = y
	}

	updateHeight(y)
	updateHeight(x)
	return x
}

func rotateLeft(x *Node) *Node {
	y := x.right
	t2 := y.left

	y.left = x
	x.right = t2

	y.parent = x.parent
	x.parent = y
	if t2 != nil {
		t2.parent = x
	}

	updateHeight(x)
	updateHeight(y)
	return y
}

func insertNode(node, newNode *Node) *Node {
	if node == nil {
		return newNode
	}

	if newNode.StartVA < node.StartVA {
		left := insertNode(node.left, newNode)
		node.left = left
		left.parent = node
	} else {
		right := insertNode(node.right, newNode)
		node.right = right
		right.parent = node
	}

	updateHeight(node)
	balance := balanceFactor(node)

	if balance < -1 {
		if newNode.StartVA < node.left.StartVA {
			return rotateRight(node)
		}
		node.left = rotateLeft(node.left)
		return rotateRight(node)
	}
	if balance > 1 {
		if newNode.StartVA > node.right.StartVA {
			return rotateLeft(node)
		}
		node.right = rotateRight(node.right)
		return rotateLeft(node)
	}

	return node
}

func findMin(n *Node) *Node {
	for n != nil && n.left != nil {
		n = n.left
	}
	return n
}

// deleteNode removes the node whose StartVA matches target's, rebalancing
// on the way up. The two-child case copies the in-order successor's
// payload into the node being removed and recurses to delete the
// successor from the right subtree, preserving every other node's
// tree-link pointers exactly as the original implementation does.
func deleteNode(root *Node, target uintptr) *Node {
	if root == nil {
		return nil
	}

	switch {
	case target < root.StartVA:
		root.left = deleteNode(root.left, target)
	case target > root.StartVA:
		root.right = deleteNode(root.right, target)
	default:
		if root.left == nil || root.right == nil {
			child := root.left
			if child == nil {
				child = root.right
			}
			if child == nil {
				return nil
			}
			child.parent = root.parent
			return child
		}

		successor := findMin(root.right)
		oldLeft, oldParent := root.left, root.parent

		root.StartVA, root.EndVA = successor.StartVA, successor.EndVA
		root.Flags, root.FileHandle, root.FileOffset = successor.Flags, successor.FileHandle, successor.FileOffset

		root.left, root.parent = oldLeft, oldParent
		if root.left != nil {
			root.left.parent = root
		}
		root.right = deleteNode(root.right, successor.StartVA)
		if root.right != nil {
			root.right.parent = root
		}
	}

	updateHeight(root)
	balance := balanceFactor(root)

	if balance < -1 {
		if balanceFactor(root.left) <= 0 {
			return rotateRight(root)
		}
		root.left = rotateLeft(root.left)
		return rotateRight(root)
	}
	if balance > 1 {
		if balanceFactor(root.right) >= 0 {
			return rotateLeft(root)
		}
		root.right = rotateRight(root.right)
		return rotateLeft(root)
	}

	return root
}

func checkOverlap(root *Node, startVA, endVA uintptr) bool {
	n := root
	for n != nil {
		if startVA <= n.EndVA && endVA >= n.StartVA {
			return true
		}
		if endVA < n.StartVA {
			n = n.left
		} else {
			n = n.right
		}
	}
	return false
}

func findLocked(root *Node, virtAddr uintptr) *Node {
	n := root
	for n != nil {
		switch {
		case virtAddr < n.StartVA:
			n = n.left
		case virtAddr > n.EndVA:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// Find returns the VAD containing virtAddr, or nil. Takes the push-lock
// shared.
func (t *Tree) Find(virtAddr uintptr) *Node {
	t.lock.AcquireShared()
	defer t.lock.ReleaseShared()
	return findLocked(t.root, virtAddr)
}

// findGapLocked performs an iterative in-order traversal, returning the
// first page-aligned gap of size bytes inside [searchStart, searchEnd).
// Returns 0 if no gap exists. All arithmetic is overflow-checked. Callers
// must already hold the tree's push-lock.
func findGapLocked(root *Node, size uintptr, searchStart, searchEnd uintptr) uintptr {
	if searchStart >= searchEnd || size == 0 || searchStart == 0 {
		return 0
	}

	needed := mem.Size(size).Pages()
	sizeNeeded := uintptr(needed) * uintptr(mem.PageSize)

	fits := func(gapStart uintptr, limit uintptr) bool {
		if gapStart > ^uintptr(0)-(sizeNeeded-1) {
			return false
		}
		return gapStart+sizeNeeded <= limit
	}
	alignUp := func(va uintptr) uintptr {
		return (va + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	}

	var stack []*Node
	current := root
	lastEnd := searchStart - 1

	for current != nil || len(stack) > 0 {
		for current != nil {
			stack = append(stack, current)
			current = current.left
		}

		current = stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current.EndVA < searchStart {
			if current.EndVA > lastEnd {
				lastEnd = current.EndVA
			}
			current = current.right
			continue
		}

		if current.StartVA >= searchEnd {
			gapStart := alignUp(lastEnd + 1)
			if fits(gapStart, searchEnd) {
				return gapStart
			}
			return 0
		}

		gapStart := alignUp(lastEnd + 1)
		if gapStart < searchStart {
			gapStart = alignUp(searchStart)
		}
		if gapStart < current.StartVA && fits(gapStart, current.StartVA) && gapStart+sizeNeeded <= searchEnd {
			return gapStart
		}

		if current.EndVA > lastEnd {
			lastEnd = current.EndVA
		}
		current = current.right
	}

	finalGapStart := alignUp(lastEnd + 1)
	if finalGapStart < searchStart {
		finalGapStart = alignUp(searchStart)
	}
	if fits(finalGapStart, searchEnd) {
		return finalGapStart
	}
	return 0
}

// FindGap returns the first page-aligned gap of size bytes inside
// [searchStart, searchEnd), or 0 if none exists. Takes the push-lock
// shared.
func (t *Tree) FindGap(size uintptr, searchStart, searchEnd uintptr) uintptr {
	t.lock.AcquireShared()
	defer t.lock.ReleaseShared()
	return findGapLocked(t.root, size, searchStart, searchEnd)
}

// Allocate reserves a VAD covering size bytes. If baseVA is 0, FindGap
// picks the range inside [searchStart, searchEnd); otherwise baseVA is
// used verbatim after checking for overlap. rundown is the owning
// process's rundown reference; Allocate fails with ErrRundown once
// teardown has started. Returns the base VA of the new range.
func (t *Tree) Allocate(rundown *sync.RundownRef, baseVA uintptr, size uintptr, flags Flags, searchStart, searchEnd uintptr) (uintptr, *kernel.Error) {
	if !rundown.Acquire() {
		return 0, ErrRundown
	}
	defer rundown.Release()

	t.lock.AcquireExclusive()
	defer t.lock.ReleaseExclusive()

	pages := mem.Size(size).Pages()
	endOffset := uintptr(pages)*uintptr(mem.PageSize) - 1

	checkOverlapNeeded := true
	if baseVA == 0 {
		baseVA = findGapLocked(t.root, size, searchStart, searchEnd)
		if baseVA == 0 {
			return 0, ErrConflictingAddress
		}
		checkOverlapNeeded = false
	}

	endVA := baseVA + endOffset
	if checkOverlapNeeded && checkOverlap(t.root, baseVA, endVA) {
		return 0, ErrConflictingAddress
	}

	node := &Node{StartVA: baseVA, EndVA: endVA, Flags: flags}
	t.root = insertNode(t.root, node)

	return baseVA, nil
}

// Free unmaps and releases every present leaf PTE covering the VAD whose
// StartVA equals baseVA, then removes it from the tree.
func (t *Tree) Free(rundown *sync.RundownRef, baseVA uintptr) *kernel.Error {
	if !rundown.Acquire() {
		return ErrRundown
	}
	defer rundown.Release()

	t.lock.AcquireExclusive()
	defer t.lock.ReleaseExclusive()

	target := findLocked(t.root, baseVA)
	if target == nil || target.StartVA != baseVA {
		return ErrNotFound
	}

	for va := target.StartVA; va <= target.EndVA; va += uintptr(mem.PageSize) {
		frame, ferr := frameForAddressFn(va)
		if ferr != nil {
			continue
		}
		page := vmm.PageFromAddress(va)
		if uerr := unmapFn(page); uerr != nil {
			continue
		}
		releaseFrameFn(frame)
	}

	t.root = deleteNode(t.root, baseVA)
	return nil
}
