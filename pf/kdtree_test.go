package pf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dorisbot/amcl"
)

func TestKDTreeInsert(t *testing.T) {
	assert := assert.New(t)

	tree := newKDTree(0.5, 0.5, 0.2)
	assert.Equal(0, tree.leafCount)

	tree.insert(amcl.Pose{X: 0.1, Y: 0.1}, 1.0)
	assert.Equal(1, tree.leafCount)

	// same bucket accumulates, does not grow
	tree.insert(amcl.Pose{X: 0.2, Y: 0.3}, 0.5)
	assert.Equal(1, tree.leafCount)
	node := tree.find(tree.root, tree.bucket(amcl.Pose{X: 0.1, Y: 0.1}))
	assert.NotNil(node)
	assert.InDelta(1.5, node.value, 1e-12)

	tree.insert(amcl.Pose{X: 2.0, Y: 0.1}, 1.0)
	assert.Equal(2, tree.leafCount)
	tree.insert(amcl.Pose{X: 2.0, Y: 2.0, Yaw: 1.0}, 1.0)
	assert.Equal(3, tree.leafCount)

	tree.clear()
	assert.Equal(0, tree.leafCount)
	assert.Nil(tree.root)
}

func TestKDTreeClusterize(t *testing.T) {
	assert := assert.New(t)

	tree := newKDTree(0.5, 0.5, 0.2)

	// two adjacent buckets plus one far away
	tree.insert(amcl.Pose{X: 0.1, Y: 0.1}, 1.0)
	tree.insert(amcl.Pose{X: 0.6, Y: 0.1}, 1.0)
	tree.insert(amcl.Pose{X: 5.0, Y: 5.0}, 1.0)

	n := tree.clusterize()
	assert.Equal(2, n)

	a := tree.clusterOf(amcl.Pose{X: 0.1, Y: 0.1})
	b := tree.clusterOf(amcl.Pose{X: 0.6, Y: 0.1})
	c := tree.clusterOf(amcl.Pose{X: 5.0, Y: 5.0})
	assert.Equal(a, b)
	assert.NotEqual(a, c)

	assert.Equal(-1, tree.clusterOf(amcl.Pose{X: -3.0, Y: -3.0}))
}
