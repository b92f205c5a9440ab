package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafHash(s string) []byte {
	return HashData([]byte(s))
}

func TestBuildTree_SingleLeafIsRoot(t *testing.T) {
	leaf := leafHash("only")
	tree, err := BuildTree([][]byte{leaf})
	require.NoError(t, err)
	assert.Equal(t, leaf, tree.Root())
	assert.Equal(t, 1, tree.LeafCount())
}

func TestBuildTree_EmptyRejected(t *testing.T) {
	_, err := BuildTree(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestBuildTree_OddNodePromotesUnchanged(t *testing.T) {
	a, b, c := leafHash("a"), leafHash("b"), leafHash("c")
	tree, err := BuildTree([][]byte{a, b, c})
	require.NoError(t, err)

	level1 := hashPair(a, b)
	expectedRoot := hashPair(level1, c)
	assert.Equal(t, expectedRoot, tree.Root())
}

func TestBuildTree_OrderSensitive(t *testing.T) {
	a, b := leafHash("a"), leafHash("b")
	t1, err := BuildTree([][]byte{a, b})
	require.NoError(t, err)
	t2, err := BuildTree([][]byte{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, t1.Root(), t2.Root())
}

func TestGenerateProofAndVerify(t *testing.T) {
	leaves := [][]byte{leafHash("1"), leafHash("2"), leafHash("3"), leafHash("4"), leafHash("5")}
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	for i, leaf := range leaves {
		proof, err := tree.GenerateProof(i)
		require.NoError(t, err)
		ok, err := VerifyProof(leaf, proof, tree.Root())
		require.NoError(t, err)
		assert.True(t, ok, "leaf %d should verify", i)
	}
}

func TestVerifyProof_TamperedLeafRejected(t *testing.T) {
	leaves := [][]byte{leafHash("1"), leafHash("2"), leafHash("3")}
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)

	ok, err := VerifyProof(leafHash("tampered"), proof, tree.Root())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReduce_MatchesTreeRoot(t *testing.T) {
	leaves := [][]byte{leafHash("x"), leafHash("y"), leafHash("z")}
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	root, err := Reduce(leaves)
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), root)
}

func TestHashPair_DelimiterSeparatesNodes(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	for i := range a {
		a[i] = 0x01
	}
	for i := range b {
		b[i] = 0x02
	}
	withDelimiter := hashPair(a, b)
	naive := HashData(append(append([]byte{}, a...), b...))
	assert.NotEqual(t, withDelimiter, naive)
}

func TestGenerateProofByHash(t *testing.T) {
	leaves := [][]byte{leafHash("alpha"), leafHash("beta")}
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	proof, err := tree.GenerateProofByHash(leaves[1])
	require.NoError(t, err)
	assert.Equal(t, 1, proof.LeafIndex)

	_, err = tree.GenerateProofByHash(leafHash("missing"))
	assert.ErrorIs(t, err, ErrLeafNotFound)
}

func TestVerifyContinuity(t *testing.T) {
	cps := []*Checkpoint{{SeqNo: 0}, {SeqNo: 1}, {SeqNo: 2}}
	assert.True(t, VerifyContinuity(cps))

	gapped := []*Checkpoint{{SeqNo: 0}, {SeqNo: 2}}
	assert.False(t, VerifyContinuity(gapped))
}

func TestDetectGaps(t *testing.T) {
	cps := []*Checkpoint{{SeqNo: 0}, {SeqNo: 2}, {SeqNo: 4}}
	gaps := DetectGaps(cps)
	assert.Equal(t, []uint64{1, 3}, gaps)
}

func TestAggregator_CreateCheckpoint(t *testing.T) {
	agg := NewAggregator("node-a")
	win := Window{
		NodeID:           "node-a",
		WindowID:         NewWindowID(),
		WindowStartTS:    100,
		WindowEndTS:      200,
		EventHashes:      [][]byte{leafHash("e1"), leafHash("e2")},
		ChainHeightStart: 1,
		ChainHeightEnd:   2,
	}
	cp, err := agg.CreateCheckpoint(win, "pubkey-hex", 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp.SeqNo)
	assert.Equal(t, uint64(1), agg.NextSeqNo())

	cp2, err := agg.CreateCheckpoint(win, "pubkey-hex", 301)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp2.SeqNo)
}

func TestAggregator_CreateCheckpoint_EmptyWindowRejected(t *testing.T) {
	agg := NewAggregator("node-a")
	_, err := agg.CreateCheckpoint(Window{NodeID: "node-a", EventHashes: nil}, "pk", 1)
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestCheckpoint_ComputeSigningHash_Deterministic(t *testing.T) {
	cp := &Checkpoint{
		NodeID: "node-a", SeqNo: 3, RootHash: leafHash("root"),
		WindowStartTS: 1, WindowEndTS: 2, EventCount: 5,
		ChainHeightStart: 10, ChainHeightEnd: 15, CreatedAt: 1000,
	}
	h1 := cp.ComputeSigningHash()
	h2 := cp.ComputeSigningHash()
	assert.Equal(t, h1, h2)
}
