package vmm

// The two trees index the same node set through independent link
// triples embedded in each Region. Links are slot indices into the node
// arena, so rebalancing never touches region payloads and a node can
// be unlinked from one tree while staying resident in the other.

type treeID uint8

const (
	byAddr treeID = iota
	bySize
)

type link struct {
	left, right uint32
	height      int8
}

type tree struct {
	id   treeID
	root uint32
}

// less orders nodes by the tree's key. Start addresses are unique, and
// the size key falls back to start, so no two live nodes ever compare
// equal.
func (t *tree) less(a, b *Region) bool {
	if t.id == byAddr {
		return a.Start < b.Start
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Start < b.Start
}

func (t *tree) insert(n *nodeArena, idx uint32) {
	t.root = t.insertAt(n, t.root, idx)
}

func (t *tree) insertAt(n *nodeArena, root, idx uint32) uint32 {
	if root == noNode {
		n.node(idx).links[t.id] = link{left: noNode, right: noNode, height: 1}
		return idx
	}
	r := n.node(root)
	if t.less(n.node(idx), r) {
		r.links[t.id].left = t.insertAt(n, r.links[t.id].left, idx)
	} else {
		r.links[t.id].right = t.insertAt(n, r.links[t.id].right, idx)
	}
	return t.rebalance(n, root)
}

// remove unlinks exactly the node idx. The node's key must not have
// changed since it was inserted.
func (t *tree) remove(n *nodeArena, idx uint32) {
	t.root = t.removeAt(n, t.root, idx)
}

func (t *tree) removeAt(n *nodeArena, root, idx uint32) uint32 {
	if root == noNode {
		return noNode
	}
	r := n.node(root)
	if root == idx {
		left, right := r.links[t.id].left, r.links[t.id].right
		if left == noNode {
			return right
		}
		if right == noNode {
			return left
		}
		// Graft the in-order successor in place of the removed node so
		// the node's identity (and its links in the other tree) survive.
		var succ uint32
		right = t.detachMin(n, right, &succ)
		s := n.node(succ)
		s.links[t.id].left, s.links[t.id].right = left, right
		return t.rebalance(n, succ)
	}
	if t.less(n.node(idx), r) {
		r.links[t.id].left = t.removeAt(n, r.links[t.id].left, idx)
	} else {
		r.links[t.id].right = t.removeAt(n, r.links[t.id].right, idx)
	}
	return t.rebalance(n, root)
}

func (t *tree) detachMin(n *nodeArena, root uint32, out *uint32) uint32 {
	r := n.node(root)
	if r.links[t.id].left == noNode {
		*out = root
		return r.links[t.id].right
	}
	r.links[t.id].left = t.detachMin(n, r.links[t.id].left, out)
	return t.rebalance(n, root)
}

// walk visits nodes in key order until the visitor returns false.
func (t *tree) walk(n *nodeArena, visit func(idx uint32) bool) {
	t.walkAt(n, t.root, visit)
}

func (t *tree) walkAt(n *nodeArena, root uint32, visit func(idx uint32) bool) bool {
	if root == noNode {
		return true
	}
	r := n.node(root)
	return t.walkAt(n, r.links[t.id].left, visit) &&
		visit(root) &&
		t.walkAt(n, r.links[t.id].right, visit)
}

func (t *tree) height(n *nodeArena, idx uint32) int8 {
	if idx == noNode {
		return 0
	}
	return n.node(idx).links[t.id].height
}

func (t *tree) balanceOf(n *nodeArena, idx uint32) int8 {
	r := n.node(idx)
	return t.height(n, r.links[t.id].left) - t.height(n, r.links[t.id].right)
}

func (t *tree) refresh(n *nodeArena, idx uint32) {
	r := n.node(idx)
	lh, rh := t.height(n, r.links[t.id].left), t.height(n, r.links[t.id].right)
	if lh < rh {
		lh = rh
	}
	r.links[t.id].height = lh + 1
}

func (t *tree) rotateLeft(n *nodeArena, idx uint32) uint32 {
	r := n.node(idx)
	pivot := r.links[t.id].right
	p := n.node(pivot)
	r.links[t.id].right = p.links[t.id].left
	p.links[t.id].left = idx
	t.refresh(n, idx)
	t.refresh(n, pivot)
	return pivot
}

func (t *tree) rotateRight(n *nodeArena, idx uint32) uint32 {
	r := n.node(idx)
	pivot := r.links[t.id].left
	p := n.node(pivot)
	r.links[t.id].left = p.links[t.id].right
	p.links[t.id].right = idx
	t.refresh(n, idx)
	t.refresh(n, pivot)
	return pivot
}

func (t *tree) rebalance(n *nodeArena, idx uint32) uint32 {
	t.refresh(n, idx)
	r := n.node(idx)
	switch b := t.balanceOf(n, idx); {
	case b > 1:
		if t.balanceOf(n, r.links[t.id].left) < 0 {
			r.links[t.id].left = t.rotateLeft(n, r.links[t.id].left)
		}
		return t.rotateRight(n, idx)
	case b < -1:
		if t.balanceOf(n, r.links[t.id].right) > 0 {
			r.links[t.id].right = t.rotateRight(n, r.links[t.id].right)
		}
		return t.rotateLeft(n, idx)
	}
	return idx
}
