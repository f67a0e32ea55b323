package uniqueid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_StringAndParse(t *testing.T) {
	tests := []struct {
		name     string
		id       ID
		expected string
	}{
		{
			name:     "zero",
			id:       Zero,
			expected: "0000000000000000-0000000000000000",
		},
		{
			name:     "positive halves",
			id:       ID{Hi: 0x1234, Lo: 0xabcdef},
			expected: "0000000000001234-0000000000abcdef",
		},
		{
			name:     "negative halves are printed as unsigned",
			id:       ID{Hi: -1, Lo: -2},
			expected: "ffffffffffffffff-fffffffffffffffe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.id.String())

			parsed, err := Parse(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "0000000000001234", "000000000000123-0000000000abcdef", "zzzzzzzzzzzzzzzz-0000000000abcdef"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestID_BytesRoundTrip(t *testing.T) {
	id := ID{Hi: -42, Lo: 1 << 40}
	b := id.Bytes()
	assert.Equal(t, id, FromBytes(b[:]))
}

func TestID_Hash(t *testing.T) {
	a := ID{Hi: 1, Lo: 2}
	assert.Equal(t, a.Hash(), ID{Hi: 1, Lo: 2}.Hash())
	assert.NotEqual(t, a.Hash(), ID{Hi: 2, Lo: 1}.Hash())
}

func TestNew(t *testing.T) {
	seen := map[ID]struct{}{}
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, id.IsZero())
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestID_TextMarshalling(t *testing.T) {
	id := ID{Hi: 7, Lo: 9}
	text, err := id.MarshalText()
	require.NoError(t, err)

	var out ID
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, id, out)
	assert.Error(t, out.UnmarshalText([]byte("nope")))
}
