package job

import (
	"flag"

	"github.com/pkg/errors"
)

type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

var Tiers = []Tier{TierSmall, TierMedium, TierLarge}

type TierThresholds struct {
	MediumMinBytes int64 `yaml:"medium_min_bytes"`
	LargeMinBytes  int64 `yaml:"large_min_bytes"`
}

func (t *TierThresholds) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.Int64Var(&t.MediumMinBytes, flagPrefix+"medium-min-bytes", 50<<20, "Exchange sets of at least this size are served by medium instances.")
	f.Int64Var(&t.LargeMinBytes, flagPrefix+"large-min-bytes", 300<<20, "Exchange sets of at least this size are served by large instances.")
}

func (t *TierThresholds) Validate() error {
	if t.MediumMinBytes <= 0 || t.LargeMinBytes <= t.MediumMinBytes {
		return errors.New("tier thresholds must satisfy 0 < medium < large")
	}
	return nil
}

func TierFor(fileSize int64, t TierThresholds) Tier {
	switch {
	case fileSize >= t.LargeMinBytes:
		return TierLarge
	case fileSize >= t.MediumMinBytes:
		return TierMedium
	default:
		return TierSmall
	}
}
