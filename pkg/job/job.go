package job

import (
	"encoding/json"
	"time"

	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = newValidator()

// newValidator adds the pathelem tag: the field is joined into a staging
// path and must not leave its parent directory.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pathelem", func(fl validator.FieldLevel) bool {
		return layout.IsPathElement(fl.Field().String())
	})
	return v
}

// Job is the queue message that carries one fulfilment unit. It points at
// the stored catalogue response instead of embedding it.
type Job struct {
	BatchID                               string    `json:"batchId" validate:"required,pathelem"`
	SCSResponseURI                        string    `json:"scsResponseUri" validate:"required"`
	CallbackURI                           string    `json:"callbackUri,omitempty" validate:"omitempty,url"`
	ExchangeSetStandard                   string    `json:"exchangeSetStandard,omitempty"`
	ProductIdentifier                     string    `json:"productIdentifier,omitempty"`
	CorrelationID                         string    `json:"correlationId"`
	ExchangeSetURLExpiryDate              string    `json:"exchangeSetUrlExpiryDate"`
	SCSRequestDateTime                    time.Time `json:"scsRequestDateTime"`
	IsEmptyExchangeSet                    bool      `json:"isEmptyExchangeSet"`
	RequestedProductCount                 int       `json:"requestedProductCount" validate:"gte=0"`
	RequestedProductsAlreadyUpToDateCount int       `json:"requestedProductsAlreadyUpToDateCount" validate:"gte=0"`
	FileSize                              int64     `json:"fileSize" validate:"gte=0"`
	IgnoreCache                           bool      `json:"ignoreCache,omitempty"`
}

func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return errors.Wrap(err, "invalid job")
	}
	return nil
}

func (j *Job) Encode() ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}

	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "encode job")
	}
	return b, nil
}

func Decode(raw []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(raw, j); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}
