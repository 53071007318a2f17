package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTypeWalksChain(t *testing.T) {
	inner := New(ErrorTypeSchema, "column missing")
	outer := Wrap(inner, ErrorTypeData, "insert failed")

	assert.True(t, IsType(outer, ErrorTypeData))
	assert.True(t, IsType(outer, ErrorTypeSchema))
	assert.False(t, IsType(outer, ErrorTypeTimeout))
	assert.Equal(t, ErrorTypeData, TypeOf(outer))
}

func TestIsTypeThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("task: %w", New(ErrorTypePermission, "scope revoked"))
	assert.True(t, IsType(err, ErrorTypePermission))
	assert.Equal(t, ErrorTypePermission, TypeOf(err))
}

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeTimeout, "slow")
	outer := Wrap(inner, ErrorTypeConnection, "fetch")
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Nil(t, Wrap(nil, ErrorTypeConnection, "noop"))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want int
	}{
		{"short message untouched", "boom", 1000, 4},
		{"long message cut", strings.Repeat("x", 1500), 1000, 1000},
		{"zero limit untouched", "boom", 0, 4},
		{"multibyte boundary respected", strings.Repeat("é", 3), 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Truncate(tt.in, tt.n), tt.want)
		})
	}
}
