package router

import (
	"testing"

	apperrors "copytrade/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		proxies []string
		want    []string
	}{
		{"one proxy serves all", 3, []string{"a"}, []string{"a", "a", "a"}},
		{"even split", 4, []string{"a", "b"}, []string{"a", "a", "b", "b"}},
		{"uneven split rounds block up", 7, []string{"a", "b", "c"}, []string{"a", "a", "a", "b", "b", "b", "c"}},
		{"more proxies than accounts", 2, []string{"a", "b", "c"}, []string{"a", "b"}},
		// ceil blocks can leave trailing proxies unused
		{"blocks exhaust accounts early", 4, []string{"a", "b", "c"}, []string{"a", "a", "b", "b"}},
		{"no accounts", 0, []string{"a"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Assign(tt.n, tt.proxies)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssign_NoProxies(t *testing.T) {
	_, err := Assign(3, nil)
	assert.ErrorIs(t, err, apperrors.ErrNoEgress)
}

func TestAssign_Deterministic(t *testing.T) {
	proxies := []string{"p1", "p2", "p3", "p4"}
	first, err := Assign(10, proxies)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Assign(10, proxies)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// 10 accounts over 4 proxies: blocks of 3, last proxy takes the remainder.
	assert.Equal(t, []string{"p1", "p1", "p1", "p2", "p2", "p2", "p3", "p3", "p3", "p4"}, first)
}
