package row

import "time"

// Row is one cache table record. PartitionKey is the cell name and RowKey
// the "edition|update|businessUnit" composite.
type Row struct {
	PartitionKey string    `json:"partitionKey"`
	RowKey       string    `json:"rowKey"`
	Response     string    `json:"response"`
	BatchID      string    `json:"batchId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
