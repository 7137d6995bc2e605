package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMatchesTopLevel(t *testing.T) {
	t.Parallel()

	got := New(0).Scan(map[string]any{
		"clientName":  "Maija Meikäläinen",
		"clientPhone": "+358401234567",
		"serviceId":   float64(12),
	}, 0)
	require.NotNil(t, got)
	assert.Equal(t, "Maija Meikäläinen", got.ClientName)
	assert.Equal(t, "+358401234567", got.ClientPhone)
	assert.Empty(t, got.ClientEmail)
	assert.Equal(t, float64(12), got.Raw["serviceId"])
}

func TestScanRequiresNameAndContact(t *testing.T) {
	t.Parallel()

	s := New(3)
	assert.Nil(t, s.Scan(map[string]any{"clientName": "Maija"}, 0))
	assert.Nil(t, s.Scan(map[string]any{"clientEmail": "m@example.fi"}, 0))
	assert.Nil(t, s.Scan(map[string]any{"clientName": "  ", "clientEmail": "m@example.fi"}, 0))
	assert.Nil(t, s.Scan(map[string]any{"clientName": 42, "clientEmail": "m@example.fi"}, 0))
	assert.Nil(t, s.Scan("clientName", 0))
}

func TestScanNestedWithinDepth(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"type": "booking",
		"data": map[string]any{
			"items": []any{
				map[string]any{"clientName": "Matti", "clientEmail": "matti@example.fi"},
			},
		},
	}
	got := New(3).Scan(payload, 0)
	require.NotNil(t, got)
	assert.Equal(t, "matti@example.fi", got.ClientEmail)

	assert.Nil(t, New(2).Scan(payload, 0), "match at depth 3 is beyond a bound of 2")
}

func TestScanTerminatesOnSelfReference(t *testing.T) {
	t.Parallel()

	loop := map[string]any{"name": "loop"}
	loop["self"] = loop
	list := []any{loop}
	loop["list"] = list

	assert.Nil(t, New(3).Scan(loop, 0))
}

func TestScanReflectsTypedContainers(t *testing.T) {
	t.Parallel()

	typed := map[string]string{"clientName": "Liisa", "clientPhone": "040 111"}
	got := New(3).Scan([]map[string]string{typed}, 0)
	require.NotNil(t, got)
	assert.Equal(t, "Liisa", got.ClientName)

	assert.Nil(t, New(3).Scan([]byte(`{"clientName":"x"}`), 0))
	assert.Nil(t, New(3).Scan(map[int]any{1: "x"}, 0))
}
