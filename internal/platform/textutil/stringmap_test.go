package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMetadata(t *testing.T) {
	t.Run("trims and drops blanks", func(t *testing.T) {
		got := NormalizeMetadata(map[string]string{
			" order_id ": " ord_1 ",
			"channel":    "web",
			"note":       "  ",
			" ":          "ignored",
		}, nil)
		assert.Equal(t, map[string]string{"order_id": "ord_1", "channel": "web"}, got)
	})

	t.Run("override wins", func(t *testing.T) {
		got := NormalizeMetadata(map[string]string{"order_id": "spoofed", "channel": "web"}, map[string]string{"order_id": "ord_2"})
		assert.Equal(t, map[string]string{"order_id": "ord_2", "channel": "web"}, got)
	})

	t.Run("blank override removes key", func(t *testing.T) {
		got := NormalizeMetadata(map[string]string{"order_id": "ord_3"}, map[string]string{"order_id": ""})
		assert.Nil(t, got)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, NormalizeMetadata(nil, nil))
		assert.Nil(t, NormalizeMetadata(map[string]string{}, map[string]string{}))
	})
}
