package sourcemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVLQSegment(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"A", []int{0}},
		{"C", []int{1}},
		{"D", []int{-1}},
		{"E", []int{2}},
		{"AAAA", []int{0, 0, 0, 0}},
		{"AACA", []int{0, 0, 1, 0}},
		{"AACAA", []int{0, 0, 1, 0, 0}},
		// 16 needs a continuation digit: 16<<1 = 32 → "gB".
		{"gB", []int{16}},
	}
	for _, tc := range cases {
		got, err := decodeVLQSegment(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDecodeVLQSegmentErrors(t *testing.T) {
	_, err := decodeVLQSegment("!!")
	assert.Error(t, err)

	// 'g' has the continuation bit set with nothing following.
	_, err = decodeVLQSegment("g")
	assert.Error(t, err)
}

func TestDecodeMappingsAbsolutePositions(t *testing.T) {
	// Three generated lines, each mapping to consecutive original
	// lines; the last segment carries a name.
	out, err := decodeMappings("AAAA;AACA;AACAA")
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, decodedMapping{genLine: 0, genCol: 0, sourceIdx: 0, origLine: 0, origCol: 0, nameIdx: -1}, out[0])
	assert.Equal(t, 1, out[1].origLine)
	assert.Equal(t, 2, out[2].origLine)
	assert.Equal(t, 0, out[2].nameIdx)
}

func TestDecodeMappingsResetsColumnPerLine(t *testing.T) {
	// Two segments on one line, then a new line: the generated column
	// resets at ';' while source state carries over.
	out, err := decodeMappings("AAAA,EAAA;AACA")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 0, out[0].genCol)
	assert.Equal(t, 2, out[1].genCol)
	assert.Equal(t, 1, out[2].genLine)
	assert.Equal(t, 0, out[2].genCol)
}

func TestDecodeMappingsEmptyAndBare(t *testing.T) {
	out, err := decodeMappings("")
	require.NoError(t, err)
	assert.Empty(t, out)

	// Bare column-only segments (no source) are legal.
	out, err = decodeMappings("E")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, -1, out[0].sourceIdx)
}

func TestDecodeMappingsMalformed(t *testing.T) {
	_, err := decodeMappings("AA$A")
	assert.Error(t, err)

	_, err = decodeMappings("AAA") // 3 fields is not a valid segment
	assert.Error(t, err)
}
