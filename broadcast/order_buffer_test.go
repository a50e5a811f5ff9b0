package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderBuffer(t *testing.T) {
	t.Run("in order", func(t *testing.T) {
		b := NewOrderBuffer[string](0)
		assert.Equal(t, []string{"a"}, b.Push(0, "a"))
		assert.Equal(t, []string{"b"}, b.Push(1, "b"))
		assert.Equal(t, uint64(2), b.Next())
		assert.Equal(t, 0, b.Len())
	})

	t.Run("out of order", func(t *testing.T) {
		b := NewOrderBuffer[string](0)
		assert.Equal(t, 0, len(b.Push(2, "c")))
		assert.Equal(t, 0, len(b.Push(1, "b")))
		assert.Equal(t, 2, b.Len())

		assert.Equal(t, []string{"a", "b", "c"}, b.Push(0, "a"))
		assert.Equal(t, uint64(3), b.Next())
		assert.Equal(t, 0, b.Len())
	})

	t.Run("gap keeps later items", func(t *testing.T) {
		b := NewOrderBuffer[string](5)
		assert.Equal(t, 0, len(b.Push(7, "h")))
		assert.Equal(t, []string{"f"}, b.Push(5, "f"))
		assert.Equal(t, uint64(6), b.Next())
		assert.Equal(t, 1, b.Len())

		assert.Equal(t, []string{"g", "h"}, b.Push(6, "g"))
	})

	t.Run("stale and duplicate dropped", func(t *testing.T) {
		b := NewOrderBuffer[string](0)
		b.Push(0, "a")

		assert.Equal(t, 0, len(b.Push(0, "a2")))

		b.Push(2, "c")
		b.Push(2, "c2")
		assert.Equal(t, 1, b.Len())

		assert.Equal(t, []string{"b", "c"}, b.Push(1, "b"))
	})
}
