package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/rfdriver/internal/receiving"
)

func TestParseShipment(t *testing.T) {
	shipment, err := parseShipment("ASN-100", []string{"SKU-1:6", "SKU-2:4"})
	require.NoError(t, err)

	assert.Equal(t, "ASN-100", shipment.Reference)
	require.Len(t, shipment.Lines, 2)
	assert.Equal(t, receiving.ItemLine{SKU: "SKU-1", Expected: 6}, shipment.Lines[0])
	assert.Equal(t, receiving.ItemLine{SKU: "SKU-2", Expected: 4}, shipment.Lines[1])
}

func TestParseShipmentRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"no separator", "SKU-1"},
		{"empty sku", ":5"},
		{"non-numeric qty", "SKU-1:lots"},
		{"zero qty", "SKU-1:0"},
		{"negative qty", "SKU-1:-2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseShipment("ASN-100", []string{tc.spec})
			assert.Error(t, err)
		})
	}
}
