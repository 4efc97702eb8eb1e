package allocator

import (
	"flag"

	"github.com/ValerySidorin/exset/pkg/job"
	"github.com/pkg/errors"
)

type Config struct {
	SmallInstances  int `yaml:"small_instances"`
	MediumInstances int `yaml:"medium_instances"`
	LargeInstances  int `yaml:"large_instances"`

	Thresholds job.TierThresholds `yaml:"thresholds"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.SmallInstances, flagPrefix+"small-instances", 2, "Number of worker slots serving small exchange sets.")
	f.IntVar(&c.MediumInstances, flagPrefix+"medium-instances", 2, "Number of worker slots serving medium exchange sets.")
	f.IntVar(&c.LargeInstances, flagPrefix+"large-instances", 1, "Number of worker slots serving large exchange sets.")
	c.Thresholds.RegisterFlags(flagPrefix, f)
}

func (c *Config) Validate() error {
	if c.SmallInstances < 1 || c.MediumInstances < 1 || c.LargeInstances < 1 {
		return errors.New("allocator: every tier needs at least one instance")
	}
	return c.Thresholds.Validate()
}

func (c *Config) Instances(t job.Tier) int {
	switch t {
	case job.TierLarge:
		return c.LargeInstances
	case job.TierMedium:
		return c.MediumInstances
	default:
		return c.SmallInstances
	}
}

// Slot identifies one worker queue.
type Slot struct {
	Tier     job.Tier
	Instance int
}

// Tiered owns one Allocator per size tier, each sized from its own
// configured instance count.
type Tiered struct {
	cfg   Config
	tiers map[job.Tier]*Allocator
}

func NewTiered(cfg Config) (*Tiered, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tiered{
		cfg:   cfg,
		tiers: make(map[job.Tier]*Allocator, len(job.Tiers)),
	}
	for _, tier := range job.Tiers {
		t.tiers[tier] = New(cfg.Instances(tier))
	}

	return t, nil
}

// Next picks the tier for fileSize and rotates that tier's allocator.
func (t *Tiered) Next(fileSize int64) Slot {
	tier := job.TierFor(fileSize, t.cfg.Thresholds)
	return Slot{
		Tier:     tier,
		Instance: t.tiers[tier].GetInstanceNumber(t.cfg.Instances(tier)),
	}
}

func (t *Tiered) Current(tier job.Tier) int {
	return t.tiers[tier].GetCurrentInstanceNumber()
}

func (t *Tiered) Reset() {
	for _, a := range t.tiers {
		a.ResetInstanceCount()
	}
}

// Slots lists every slot the configuration defines.
func (t *Tiered) Slots() []Slot {
	slots := make([]Slot, 0)
	for _, tier := range job.Tiers {
		for i := 1; i <= t.cfg.Instances(tier); i++ {
			slots = append(slots, Slot{Tier: tier, Instance: i})
		}
	}
	return slots
}
