package errutil_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xeptore/coral/errutil"
)

func assertErrInfoAreEqual(t *testing.T, expected, actual errutil.ErrInfo) {
	t.Helper()
	assert.Equal(t, expected.Message, actual.Message)
	assert.Equal(t, expected.TypeName, actual.TypeName)
	assert.Len(t, actual.Children, len(expected.Children))
	for i, child := range expected.Children {
		assertErrInfoAreEqual(t, child, actual.Children[i])
	}
}

func TestTree(t *testing.T) {
	t.Parallel()

	t.Run("NilErr", func(t *testing.T) {
		t.Parallel()
		assert.PanicsWithValue(t, "nil error", func() { errutil.Tree(nil) })
	})

	t.Run("SimpleStringErr", func(t *testing.T) {
		t.Parallel()
		tree := errutil.Tree(fmt.Errorf("simple string error"))
		expected := errutil.ErrInfo{
			Message:  "simple string error",
			TypeName: "*errors.errorString",
			Children: nil,
		}
		assertErrInfoAreEqual(t, expected, tree)
	})

	t.Run("WrappedErr", func(t *testing.T) {
		t.Parallel()
		tree := errutil.Tree(fmt.Errorf("outer: %w", errors.New("inner")))
		expected := errutil.ErrInfo{
			Message:  "outer: inner",
			TypeName: "*fmt.wrapError",
			Children: []errutil.ErrInfo{
				{
					Message:  "inner",
					TypeName: "*errors.errorString",
					Children: nil,
				},
			},
		}
		assertErrInfoAreEqual(t, expected, tree)
	})

	t.Run("JoinedErrs", func(t *testing.T) {
		t.Parallel()
		tree := errutil.Tree(
			errors.Join(
				errors.New("simple string error"),
				errors.New("another simple string error"),
			),
		)
		expected := errutil.ErrInfo{
			Message:  "simple string error\nanother simple string error",
			TypeName: "*errors.joinError",
			Children: []errutil.ErrInfo{
				{
					Message:  "simple string error",
					TypeName: "*errors.errorString",
					Children: nil,
				},
				{
					Message:  "another simple string error",
					TypeName: "*errors.errorString",
					Children: nil,
				},
			},
		}
		assertErrInfoAreEqual(t, expected, tree)
	})
}
