package pf

import (
	"math"

	"github.com/dorisbot/amcl"
)

// kdtree is a 3D bucket tree over (x, y, yaw). It serves two purposes:
// counting occupied histogram buckets during adaptive resampling and
// labeling buckets with cluster ids for the hypothesis statistics.
type kdtree struct {
	size      [3]float64
	root      *kdnode
	leafCount int
}

type kdnode struct {
	leaf       bool
	depth      int
	pivotDim   int
	pivotValue float64
	key        [3]int
	value      float64
	cluster    int
	children   [2]*kdnode
}

func newKDTree(sizeX, sizeY, sizeYaw float64) *kdtree {
	return &kdtree{size: [3]float64{sizeX, sizeY, sizeYaw}}
}

func (t *kdtree) clear() {
	t.root = nil
	t.leafCount = 0
}

func (t *kdtree) bucket(p amcl.Pose) [3]int {
	return [3]int{
		int(math.Floor(p.X / t.size[0])),
		int(math.Floor(p.Y / t.size[1])),
		int(math.Floor(p.Yaw / t.size[2])),
	}
}

// insert adds a weighted pose to its bucket.
func (t *kdtree) insert(p amcl.Pose, value float64) {
	t.root = t.insertNode(t.root, 0, t.bucket(p), value)
}

func (t *kdtree) insertNode(node *kdnode, depth int, key [3]int, value float64) *kdnode {
	if node == nil {
		t.leafCount++
		return &kdnode{leaf: true, depth: depth, key: key, value: value, cluster: -1}
	}

	if node.leaf {
		if node.key == key {
			node.value += value
			return node
		}

		// split on the dimension with the largest key spread
		node.pivotDim = 0
		maxSplit := 0
		for i := 0; i < 3; i++ {
			if split := abs(key[i] - node.key[i]); split > maxSplit {
				maxSplit = split
				node.pivotDim = i
			}
		}
		node.pivotValue = float64(key[node.pivotDim]+node.key[node.pivotDim]) / 2.0

		lo, hi := 0, 1
		if float64(key[node.pivotDim]) >= node.pivotValue {
			lo, hi = 1, 0
		}
		node.children[lo] = t.insertNode(nil, node.depth+1, key, value)
		node.children[hi] = t.insertNode(nil, node.depth+1, node.key, node.value)

		node.leaf = false
		t.leafCount--

		return node
	}

	if float64(key[node.pivotDim]) < node.pivotValue {
		node.children[0] = t.insertNode(node.children[0], node.depth+1, key, value)
	} else {
		node.children[1] = t.insertNode(node.children[1], node.depth+1, key, value)
	}

	return node
}

func (t *kdtree) find(node *kdnode, key [3]int) *kdnode {
	if node == nil {
		return nil
	}

	if node.leaf {
		if node.key == key {
			return node
		}
		return nil
	}

	if float64(key[node.pivotDim]) < node.pivotValue {
		return t.find(node.children[0], key)
	}
	return t.find(node.children[1], key)
}

func (t *kdtree) leaves(node *kdnode, out []*kdnode) []*kdnode {
	if node == nil {
		return out
	}
	if node.leaf {
		return append(out, node)
	}
	out = t.leaves(node.children[0], out)
	return t.leaves(node.children[1], out)
}

// clusterize labels every occupied bucket with a cluster id by flood
// filling over the 26-connected bucket neighborhood and returns the
// number of clusters found.
func (t *kdtree) clusterize() int {
	queue := t.leaves(t.root, nil)
	for _, n := range queue {
		n.cluster = -1
	}

	count := 0
	for len(queue) > 0 {
		node := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if node.cluster >= 0 {
			continue
		}
		node.cluster = count
		count++

		stack := []*kdnode{node}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			for di := -1; di <= 1; di++ {
				for dj := -1; dj <= 1; dj++ {
					for dk := -1; dk <= 1; dk++ {
						key := [3]int{n.key[0] + di, n.key[1] + dj, n.key[2] + dk}
						if nb := t.find(t.root, key); nb != nil && nb.cluster < 0 {
							nb.cluster = node.cluster
							stack = append(stack, nb)
						}
					}
				}
			}
		}
	}

	return count
}

// clusterOf returns the cluster id of the bucket containing p, or -1
// when the bucket is empty.
func (t *kdtree) clusterOf(p amcl.Pose) int {
	node := t.find(t.root, t.bucket(p))
	if node == nil {
		return -1
	}
	return node.cluster
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
