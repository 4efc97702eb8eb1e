package catalogue

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Product is one entry of the catalogue response: a cell at an edition
// together with the updates the client still needs.
type Product struct {
	ProductName   string `json:"productName"`
	EditionNumber int    `json:"editionNumber"`
	UpdateNumbers []int  `json:"updateNumbers"`
	FileSize      int64  `json:"fileSize"`
	IgnoreCache   bool   `json:"ignoreCache,omitempty"`
}

type ProductCounts struct {
	RequestedProductCount                 int `json:"requestedProductCount"`
	ReturnedProductCount                  int `json:"returnedProductCount"`
	RequestedProductsAlreadyUpToDateCount int `json:"requestedProductsAlreadyUpToDateCount"`
}

type Response struct {
	Products      []Product     `json:"products"`
	ProductCounts ProductCounts `json:"productCounts"`
}

func Decode(raw []byte) (*Response, error) {
	r := &Response{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, errors.Wrap(err, "decode catalogue response")
	}
	return r, nil
}

func (r *Response) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode catalogue response")
	}
	return b, nil
}

func (r *Response) TotalFileSize() int64 {
	return lo.SumBy(r.Products, func(p Product) int64 {
		return p.FileSize
	})
}
