package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	AttrCellName      = "CellName"
	AttrEditionNumber = "EditionNumber"
	AttrUpdateNumber  = "UpdateNumber"
)

// Attributes are the known keys of an upstream batch, validated once when
// a Descriptor is built.
type Attributes struct {
	CellName      string `json:"cellName"`
	EditionNumber int    `json:"editionNumber"`
	UpdateNumber  int    `json:"updateNumber"`
}

// KeyValue is one entry of the upstream attribute bag.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ParseAttributes converts the upstream key/value bag. Keys are matched
// case-insensitively, unknown keys are ignored.
func ParseAttributes(kvs []KeyValue) (Attributes, error) {
	var a Attributes
	var hasCell, hasEd, hasUpd bool

	for _, kv := range kvs {
		switch {
		case strings.EqualFold(kv.Key, AttrCellName):
			a.CellName = strings.TrimSpace(kv.Value)
			hasCell = a.CellName != ""
		case strings.EqualFold(kv.Key, AttrEditionNumber):
			n, err := strconv.Atoi(strings.TrimSpace(kv.Value))
			if err != nil {
				return Attributes{}, errors.Wrapf(err, "attribute %s", AttrEditionNumber)
			}
			a.EditionNumber, hasEd = n, true
		case strings.EqualFold(kv.Key, AttrUpdateNumber):
			n, err := strconv.Atoi(strings.TrimSpace(kv.Value))
			if err != nil {
				return Attributes{}, errors.Wrapf(err, "attribute %s", AttrUpdateNumber)
			}
			a.UpdateNumber, hasUpd = n, true
		}
	}

	switch {
	case !hasCell:
		return Attributes{}, errors.Errorf("missing attribute %s", AttrCellName)
	case !hasEd:
		return Attributes{}, errors.Errorf("missing attribute %s", AttrEditionNumber)
	case !hasUpd:
		return Attributes{}, errors.Errorf("missing attribute %s", AttrUpdateNumber)
	}

	return a, nil
}

type File struct {
	Name string `json:"fileName"`
	URI  string `json:"uri"`
	Size int64  `json:"fileSize"`
}

// Descriptor is one product's resolved file set.
type Descriptor struct {
	BatchID      string     `json:"batchId"`
	Files        []File     `json:"files"`
	Attributes   Attributes `json:"attributes"`
	BusinessUnit string     `json:"businessUnit"`
	IgnoreCache  bool       `json:"ignoreCache,omitempty"`
}

// Key identifies one cache row.
type Key struct {
	Product      string
	Edition      int
	Update       int
	BusinessUnit string
}

// RowKey renders the composite "edition|update|businessUnit" row key.
func (k Key) RowKey() string {
	return fmt.Sprintf("%d|%d|%s", k.Edition, k.Update, k.BusinessUnit)
}

func (k Key) String() string {
	return k.Product + "/" + k.RowKey()
}

func (d *Descriptor) Key() Key {
	return Key{
		Product:      d.Attributes.CellName,
		Edition:      d.Attributes.EditionNumber,
		Update:       d.Attributes.UpdateNumber,
		BusinessUnit: d.BusinessUnit,
	}
}
