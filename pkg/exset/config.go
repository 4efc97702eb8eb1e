package exset

import (
	"flag"
	"os"
	"strings"

	"github.com/ValerySidorin/exset/pkg/allocator"
	"github.com/ValerySidorin/exset/pkg/cache"
	"github.com/ValerySidorin/exset/pkg/filestore"
	"github.com/ValerySidorin/exset/pkg/fulfilment"
	"github.com/ValerySidorin/exset/pkg/handoff"
	"github.com/ValerySidorin/exset/pkg/notifier"
	"github.com/ValerySidorin/exset/pkg/objstore"
	"github.com/ValerySidorin/exset/pkg/queue"
	"github.com/ValerySidorin/exset/pkg/retention"
	util_log "github.com/ValerySidorin/exset/pkg/util/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const envPrefix = "EXSET"

// ContainersConfig names the blob containers of each concern.
type ContainersConfig struct {
	Responses        string `yaml:"responses"`
	Artifacts        string `yaml:"artifacts"`
	SideCache        string `yaml:"side_cache"`
	SideCacheEnabled bool   `yaml:"side_cache_enabled"`
}

func (c *ContainersConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Responses, flagPrefix+"responses", "exset-responses", "Container holding stored catalogue responses.")
	f.StringVar(&c.Artifacts, flagPrefix+"artifacts", "exset-artifacts", "Container receiving published exchange set archives.")
	f.StringVar(&c.SideCache, flagPrefix+"side-cache", "exset-file-cache", "Container holding cached copies of downloaded files.")
	f.BoolVar(&c.SideCacheEnabled, flagPrefix+"side-cache-enabled", false, "Write downloaded files through to the side cache.")
}

type Config struct {
	Target    string `yaml:"target"`
	AdminAddr string `yaml:"admin_addr"`

	Log        util_log.Config         `yaml:"log"`
	Allocator  allocator.Config        `yaml:"allocator"`
	Queue      queue.Config            `yaml:"queue"`
	BlobStore  objstore.Config         `yaml:"blob_store"`
	Containers ContainersConfig        `yaml:"containers"`
	Cache      cache.Config            `yaml:"result_cache"`
	FileStore  filestore.Config        `yaml:"file_store"`
	Engine     fulfilment.Config       `yaml:"engine"`
	Worker     fulfilment.WorkerConfig `yaml:"worker"`
	Notifier   notifier.Config         `yaml:"notifier"`
	Retention  retention.Config        `yaml:"retention"`
	Handoff    handoff.Config          `yaml:"handoff"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, "Comma separated modules to run. Supported values are: worker, sweeper, all.")
	f.StringVar(&c.AdminAddr, "admin.addr", ":9090", "Listen address of the metrics endpoint.")

	c.Log.RegisterFlags(f)
	c.Allocator.RegisterFlags("allocator.", f)
	c.Queue.RegisterFlags("queue.", f)
	c.BlobStore.RegisterFlags("blob-store.", f)
	c.Containers.RegisterFlags("containers.", f)
	c.Cache.RegisterFlags("result-cache.", f)
	c.FileStore.RegisterFlags("file-store.", f)
	c.Engine.RegisterFlags("engine.", f)
	c.Worker.RegisterFlags("worker.", f)
	c.Notifier.RegisterFlags("notifier.", f)
	c.Retention.RegisterFlags("retention.", f)
	c.Handoff.RegisterFlags("handoff.", f)
}

func (c *Config) Validate() error {
	if err := c.Allocator.Validate(); err != nil {
		return errors.Wrap(err, "invalid allocator config")
	}
	if err := c.BlobStore.Validate(); err != nil {
		return errors.Wrap(err, "invalid blob store config")
	}
	if err := c.Retention.Validate(); err != nil {
		return errors.Wrap(err, "invalid retention config")
	}
	if c.Engine.BaseDir == "" {
		return errors.New("engine base dir is required")
	}
	return nil
}

// Load merges the YAML file at path and EXSET_ prefixed environment
// overrides of its keys into cfg.
func Load(path string, cfg *Config) error {
	replacer := strings.NewReplacer(".", "_")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}

	settings := v.AllSettings()
	for _, key := range v.AllKeys() {
		raw, ok := os.LookupEnv(envPrefix + "_" + strings.ToUpper(replacer.Replace(key)))
		if !ok {
			continue
		}
		setPath(settings, strings.Split(key, "."), scalar(raw))
	}

	b, err := yaml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "merge config")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "decode config %s", path)
	}
	return nil
}

// scalar types an environment value the way a YAML document would.
func scalar(raw string) interface{} {
	var v interface{}
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

func setPath(m map[string]interface{}, path []string, v interface{}) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// Dump renders cfg as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
