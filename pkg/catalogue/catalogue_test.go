package catalogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw := `{"products":[{"productName":"GB100001","editionNumber":3,"updateNumbers":[0,1],"fileSize":100},
		{"productName":"GB100002","editionNumber":1,"updateNumbers":[4],"fileSize":50,"ignoreCache":true}],
		"productCounts":{"requestedProductCount":2,"returnedProductCount":2}}`

	r, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, r.Products, 2)
	assert.Equal(t, []int{0, 1}, r.Products[0].UpdateNumbers)
	assert.True(t, r.Products[1].IgnoreCache)
	assert.Equal(t, int64(150), r.TotalFileSize())
	assert.Equal(t, 2, r.ProductCounts.RequestedProductCount)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
