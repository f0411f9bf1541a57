package ir

// DomTree is a dominator (or post-dominator) tree. Traversal orders derived
// from it are fixed and reproducible: floating-point accumulation order in
// generated derivatives depends on them.
type DomTree struct {
	idom  map[BlockID]BlockID
	order []BlockID // reverse post-order of the (possibly reversed) CFG
}

// IDom returns the immediate dominator of b, or InvalidBlock for the root
// and unreachable blocks.
func (t *DomTree) IDom(b BlockID) BlockID {
	d, ok := t.idom[b]
	if !ok {
		return InvalidBlock
	}
	return d
}

// Dominates reports whether a dominates b (reflexively).
func (t *DomTree) Dominates(a, b BlockID) bool {
	for {
		if a == b {
			return true
		}
		next, ok := t.idom[b]
		if !ok || next == b {
			return false
		}
		b = next
	}
}

// Order returns the tree's traversal order: reverse post-order of the CFG
// for dominance, reverse post-order of the reversed CFG for post-dominance.
// Every block appears before any block it strictly dominates.
func (t *DomTree) Order() []BlockID { return t.order }

// DomTree returns the function's dominator tree, computing and caching it
// on first use.
func (f *Function) DomTree() *DomTree {
	if f.dom == nil {
		f.dom = computeDom(f, false)
	}
	return f.dom
}

// PostDomTree returns the function's post-dominator tree, computed against
// a virtual exit joining all exit blocks.
func (f *Function) PostDomTree() *DomTree {
	if f.pdom == nil {
		f.pdom = computeDom(f, true)
	}
	return f.pdom
}

// virtualExit is the synthetic root of the post-dominator tree.
const virtualExit BlockID = -2

func computeDom(f *Function, post bool) *DomTree {
	succs := func(b BlockID) []BlockID {
		if b == virtualExit {
			return nil
		}
		return f.Block(b).Succs()
	}
	preds := func(b BlockID) []BlockID { return f.Preds(b) }
	root := BlockID(0)

	if post {
		// Reverse the CFG, rooting at a virtual exit over all blocks with
		// no successors.
		var exits []BlockID
		for _, b := range f.blocks {
			if len(b.Succs()) == 0 {
				exits = append(exits, b.id)
			}
		}
		succs = func(b BlockID) []BlockID {
			if b == virtualExit {
				return exits
			}
			return f.Preds(b)
		}
		preds = func(b BlockID) []BlockID {
			for _, e := range exits {
				if e == b {
					return append(f.Block(b).Succs(), virtualExit)
				}
			}
			return f.Block(b).Succs()
		}
		root = virtualExit
	}

	// Reverse post-order DFS from the root.
	var post_ []BlockID
	seen := map[BlockID]bool{}
	var dfs func(b BlockID)
	dfs = func(b BlockID) {
		seen[b] = true
		for _, s := range succs(b) {
			if !seen[s] {
				dfs(s)
			}
		}
		post_ = append(post_, b)
	}
	dfs(root)
	rpo := make([]BlockID, len(post_))
	for i, b := range post_ {
		rpo[len(post_)-1-i] = b
	}
	rpoNum := make(map[BlockID]int, len(rpo))
	for i, b := range rpo {
		rpoNum[b] = i
	}

	// Iterative dominator computation (Cooper/Harvey/Kennedy).
	idom := map[BlockID]BlockID{root: root}
	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for rpoNum[a] > rpoNum[b] {
				a = idom[a]
			}
			for rpoNum[b] > rpoNum[a] {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range rpo {
			if b == root {
				continue
			}
			newIdom := InvalidBlock
			for _, p := range preds(b) {
				if _, ok := idom[p]; !ok {
					continue
				}
				if newIdom == InvalidBlock {
					newIdom = p
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			// A missing entry must not read as the zero BlockID, which is
			// a real block (the entry).
			if old, ok := idom[b]; newIdom != InvalidBlock && (!ok || old != newIdom) {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	// The virtual exit never appears in traversal orders handed out.
	order := make([]BlockID, 0, len(rpo))
	for _, b := range rpo {
		if b != virtualExit {
			order = append(order, b)
		}
	}
	return &DomTree{idom: idom, order: order}
}
