package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeQueueMessage(t *testing.T) {
	raw := `{
		"batchId": "0ad6b5b1-c2f4-4d33-8b6e-2d5c6be7d1a3",
		"scsResponseUri": "0ad6b5b1-c2f4-4d33-8b6e-2d5c6be7d1a3.json",
		"callbackUri": "https://client.local/callback",
		"exchangeSetStandard": "s63",
		"correlationId": "c-1",
		"exchangeSetUrlExpiryDate": "2024-03-11T00:00:00Z",
		"scsRequestDateTime": "2024-03-10T09:30:00Z",
		"isEmptyExchangeSet": false,
		"requestedProductCount": 2,
		"requestedProductsAlreadyUpToDateCount": 0,
		"fileSize": 4096
	}`

	j, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "0ad6b5b1-c2f4-4d33-8b6e-2d5c6be7d1a3", j.BatchID)
	assert.Equal(t, "https://client.local/callback", j.CallbackURI)
	assert.Equal(t, int64(4096), j.FileSize)
	assert.Equal(t, 2, j.RequestedProductCount)
	assert.True(t, j.SCSRequestDateTime.Equal(time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)))
	assert.False(t, j.IgnoreCache)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing batch id", `{"scsResponseUri":"a.json"}`},
		{"missing response uri", `{"batchId":"b"}`},
		{"negative size", `{"batchId":"b","scsResponseUri":"b.json","fileSize":-1}`},
		{"bad callback", `{"batchId":"b","scsResponseUri":"b.json","callbackUri":"::"}`},
		{"parent batch id", `{"batchId":"..","scsResponseUri":"b.json"}`},
		{"nested batch id", `{"batchId":"../../base","scsResponseUri":"b.json"}`},
		{"slashed batch id", `{"batchId":"a/b","scsResponseUri":"b.json"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	_, err := (&Job{}).Encode()
	assert.Error(t, err)

	b, err := (&Job{BatchID: "B1", SCSResponseURI: "B1.json"}).Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"batchId":"B1"`)
}

func TestParseAttributes(t *testing.T) {
	a, err := ParseAttributes([]KeyValue{
		{Key: "cellname", Value: "GB100001"},
		{Key: "EditionNumber", Value: "3"},
		{Key: "UpdateNumber", Value: " 11 "},
		{Key: "ProductCode", Value: "AVCS"},
	})
	require.NoError(t, err)
	assert.Equal(t, Attributes{CellName: "GB100001", EditionNumber: 3, UpdateNumber: 11}, a)

	_, err = ParseAttributes([]KeyValue{{Key: "CellName", Value: "GB1"}, {Key: "EditionNumber", Value: "1"}})
	assert.ErrorContains(t, err, AttrUpdateNumber)

	_, err = ParseAttributes([]KeyValue{{Key: "CellName", Value: "GB1"}, {Key: "EditionNumber", Value: "x"}, {Key: "UpdateNumber", Value: "0"}})
	assert.Error(t, err)
}

func TestDescriptorKey(t *testing.T) {
	d := Descriptor{
		BatchID:      "rb-1",
		Attributes:   Attributes{CellName: "GB100001", EditionNumber: 4, UpdateNumber: 2},
		BusinessUnit: "ADDS",
	}

	k := d.Key()
	assert.Equal(t, "GB100001", k.Product)
	assert.Equal(t, "4|2|ADDS", k.RowKey())
}

func TestTierFor(t *testing.T) {
	th := TierThresholds{MediumMinBytes: 10, LargeMinBytes: 100}

	assert.Equal(t, TierSmall, TierFor(0, th))
	assert.Equal(t, TierSmall, TierFor(9, th))
	assert.Equal(t, TierMedium, TierFor(10, th))
	assert.Equal(t, TierLarge, TierFor(100, th))
	assert.Error(t, (&TierThresholds{MediumMinBytes: 10, LargeMinBytes: 10}).Validate())
}
