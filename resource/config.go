package resource

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// PoolConfig is the YAML form of a single pool.
type PoolConfig struct {
	// Size is either a plain number or a humanized byte size ("64MB", "1GiB").
	Size string `yaml:"size"`
	// Unit is "entries" or "bytes". Defaults to bytes unless Size is a plain
	// number on a heap pool.
	Unit string `yaml:"unit,omitempty"`
	// Persistent marks a disk pool as surviving restarts.
	Persistent bool `yaml:"persistent,omitempty"`
}

// PoolsConfig is the YAML form of Pools.
type PoolsConfig struct {
	Heap    *PoolConfig `yaml:"heap,omitempty"`
	OffHeap *PoolConfig `yaml:"offheap,omitempty"`
	Disk    *PoolConfig `yaml:"disk,omitempty"`
}

// LoadPools decodes a YAML pools document and validates it.
func LoadPools(r io.Reader) (*Pools, error) {
	var cfg PoolsConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode pools: %w", ErrConfigurationInvalid, err)
	}
	return cfg.Build()
}

// Build converts the config into validated Pools.
func (c PoolsConfig) Build() (*Pools, error) {
	var pools []Pool
	for _, e := range []struct {
		kind Kind
		cfg  *PoolConfig
	}{
		{KindHeap, c.Heap},
		{KindOffHeap, c.OffHeap},
		{KindDisk, c.Disk},
	} {
		if e.cfg == nil {
			continue
		}
		p, err := e.cfg.pool(e.kind)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return NewPools(pools...)
}

func (c PoolConfig) pool(kind Kind) (Pool, error) {
	raw := strings.TrimSpace(c.Size)
	if raw == "" {
		return Pool{}, fmt.Errorf("%w: %s pool size missing", ErrConfigurationInvalid, kind)
	}

	unit := Bytes
	switch strings.ToLower(c.Unit) {
	case "":
		if _, err := strconv.ParseUint(raw, 10, 64); err == nil && kind == KindHeap {
			unit = Entries
		}
	case "entries":
		unit = Entries
	case "bytes":
	default:
		return Pool{}, fmt.Errorf("%w: %s pool has unknown unit %q", ErrConfigurationInvalid, kind, c.Unit)
	}

	var size uint64
	var err error
	if unit == Entries {
		size, err = strconv.ParseUint(raw, 10, 64)
	} else {
		size, err = humanize.ParseBytes(raw)
	}
	if err != nil {
		return Pool{}, fmt.Errorf("%w: %s pool size %q: %w", ErrConfigurationInvalid, kind, raw, err)
	}

	return NewPool(kind, size, unit, c.Persistent), nil
}
