package liveadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountDecimals(t *testing.T) {
	cases := map[string]int{
		"0.00100000": 3,
		"0.10000000": 1,
		"1.00000000": 0,
		"100":        0,
		"0.00000001": 8,
	}
	for in, want := range cases {
		require.Equal(t, want, countDecimals(in), "input %q", in)
	}
}
