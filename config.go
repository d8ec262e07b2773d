package opqueue

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config is the file form of Options plus the QoS table.
//
//	idle_age: 10m
//	allow_limit_break: false
//	qos:
//	  class_defaults: true
//	  classes:
//	    bg_recovery: {reservation: 0, weight: 5, limit: 200}
//	  pools:
//	    - {pool: 3, class: client_op, reservation: 500, weight: 10}
type Config struct {
	IdleAge         time.Duration `yaml:"idle_age"`
	EraseAge        time.Duration `yaml:"erase_age"`
	CleanInterval   time.Duration `yaml:"clean_interval"`
	AllowLimitBreak bool          `yaml:"allow_limit_break"`
	MinCost         uint32        `yaml:"min_cost"`
	DefaultWeight   float64       `yaml:"default_weight"`

	QoS QoSConfig `yaml:"qos"`
}

// QoSConfig lists QoS parameters by scope. Class names are those of
// OpClass.String.
type QoSConfig struct {
	// ClassDefaults seeds the class table with DefaultClassQoS before
	// Classes are applied.
	ClassDefaults bool                 `yaml:"class_defaults"`
	Global        *QoSParams           `yaml:"global"`
	Classes       map[string]QoSParams `yaml:"classes"`
	Pools         []PoolQoS            `yaml:"pools"`
}

// PoolQoS overrides the parameters of one class within one pool.
type PoolQoS struct {
	Pool      PoolID `yaml:"pool"`
	Class     string `yaml:"class"`
	QoSParams `yaml:",inline"`
}

// ParseConfig decodes a YAML config. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	return decodeConfig(bytes.NewReader(data))
}

// LoadConfig reads and decodes the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config")
	}
	defer f.Close()
	cfg, err := decodeConfig(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func decodeConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkParams(p QoSParams) error {
	if p.Reservation < 0 || p.Weight < 0 || p.Limit < 0 {
		return errors.New("negative qos parameter")
	}
	if p.Limit > 0 && p.Reservation > p.Limit {
		return errors.Newf("reservation %v above limit %v", p.Reservation, p.Limit)
	}
	return nil
}

// Validate reports the first invalid value in c.
func (c *Config) Validate() error {
	if c.IdleAge < 0 || c.EraseAge < 0 || c.CleanInterval < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.DefaultWeight < 0 {
		return errors.Newf("config: negative default_weight %v", c.DefaultWeight)
	}
	if c.QoS.Global != nil {
		if err := checkParams(*c.QoS.Global); err != nil {
			return errors.Wrap(err, "config: qos.global")
		}
	}
	for name, p := range c.QoS.Classes {
		if _, err := ParseOpClass(name); err != nil {
			return errors.Wrap(err, "config: qos.classes")
		}
		if err := checkParams(p); err != nil {
			return errors.Wrapf(err, "config: qos.classes.%s", name)
		}
	}
	for i, p := range c.QoS.Pools {
		if _, err := ParseOpClass(p.Class); err != nil {
			return errors.Wrapf(err, "config: qos.pools[%d]", i)
		}
		if p.Pool < 0 {
			return errors.Newf("config: qos.pools[%d]: invalid pool %d", i, p.Pool)
		}
		if err := checkParams(p.QoSParams); err != nil {
			return errors.Wrapf(err, "config: qos.pools[%d]", i)
		}
	}
	return nil
}

// Options returns queue options for c. Fields that are not part of the
// file (clock, logger, metrics) are left zero.
func (c *Config) Options() Options {
	return Options{
		IdleAge:         c.IdleAge,
		EraseAge:        c.EraseAge,
		CleanInterval:   c.CleanInterval,
		AllowLimitBreak: c.AllowLimitBreak,
		MinCost:         c.MinCost,
		DefaultWeight:   c.DefaultWeight,
	}
}

// QoSTable builds the QoS table described by c. c must be valid.
func (c *Config) QoSTable() QoSTable {
	t := QoSTable{
		Classes: make(map[OpClass]QoSParams),
		Pools:   make(map[InnerClient]QoSParams),
	}
	if c.QoS.ClassDefaults {
		for k, v := range DefaultClassQoS() {
			t.Classes[k] = v
		}
	}
	if c.QoS.Global != nil {
		g := *c.QoS.Global
		t.Global = &g
	}
	for name, p := range c.QoS.Classes {
		class, err := ParseOpClass(name)
		if err != nil {
			continue
		}
		t.Classes[class] = p
	}
	for _, p := range c.QoS.Pools {
		class, err := ParseOpClass(p.Class)
		if err != nil {
			continue
		}
		t.Pools[InnerClient{Pool: p.Pool, Class: class}] = p.QoSParams
	}
	return t
}
