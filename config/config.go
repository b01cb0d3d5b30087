package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Defaults applied where the file leaves values unset.
const (
	// DefaultPort is the listening port clients expect by convention.
	DefaultPort = 8888
	// DefaultPeriod is the communication period in steps when neither the
	// file nor the client requests one.
	DefaultPeriod = 100
)

// Config represents a steer.yaml configuration file. The session switches
// are independent; a run carries a steering session only when a tracked
// group is defined and at least one switch is on.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Tracked  TrackedConfig  `yaml:"tracked"`
	ForceLog ForceLogConfig `yaml:"force_log"`
	Run      RunConfig      `yaml:"run"`
}

// SessionConfig holds the steering session settings.
type SessionConfig struct {
	Port         int  `yaml:"port"`
	Period       int  `yaml:"period"`
	Wait         bool `yaml:"wait"`
	Terminatable bool `yaml:"terminatable"`
	Pull         bool `yaml:"pull"`
}

// Enabled reports whether the session settings ask for a session at all.
func (c SessionConfig) Enabled() bool {
	return c.Wait || c.Terminatable || c.Pull
}

// TrackedConfig selects the atoms exposed to the client.
type TrackedConfig struct {
	Indices IndexList `yaml:"indices"`
}

// ForceLogConfig holds the steering force log settings. An empty path
// disables the log; detection still runs.
type ForceLogConfig struct {
	Path   string `yaml:"path"`
	Append bool   `yaml:"append"`
}

// RunConfig holds the demo engine settings for steerd run.
type RunConfig struct {
	Atoms    int     `yaml:"atoms"`
	Steps    int64   `yaml:"steps"`
	TimeStep float64 `yaml:"time_step"`
	BoxEdge  float64 `yaml:"box_edge"`
	Seed     int64   `yaml:"seed"`
	Ranks    int     `yaml:"ranks"`
}

// IndexList is an atom selection. YAML entries are either plain zero-based
// indices or inclusive "begin-end" range strings:
//
//	indices: [0, 4, "10-15"]
type IndexList []int

// UnmarshalYAML expands range entries into individual indices.
func (l *IndexList) UnmarshalYAML(unmarshal func(any) error) error {
	var raw []any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case int:
			out = append(out, v)
		case string:
			begin, end, err := parseRange(v)
			if err != nil {
				return err
			}
			for i := begin; i <= end; i++ {
				out = append(out, i)
			}
		default:
			return fmt.Errorf("tracked index %v has unsupported type %T", item, item)
		}
	}
	*l = out
	return nil
}

func parseRange(s string) (begin, end int, err error) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		// A bare number quoted as a string is still accepted.
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid index entry %q: %w", s, err)
		}
		return n, n, nil
	}
	begin, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid index range %q: %w", s, err)
	}
	end, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid index range %q: %w", s, err)
	}
	if end < begin {
		return 0, 0, fmt.Errorf("invalid index range %q: end before begin", s)
	}
	return begin, end, nil
}

// ParseIndexSpec parses a comma-separated index specification like
// "0,4,10-15" into an IndexList. Used for the CLI flag form of the tracked
// group; the YAML form goes through UnmarshalYAML.
func ParseIndexSpec(s string) (IndexList, error) {
	var out IndexList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		begin, end, err := parseRange(part)
		if err != nil {
			return nil, err
		}
		for i := begin; i <= end; i++ {
			out = append(out, i)
		}
	}
	return out, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Session.Port == 0 {
		c.Session.Port = DefaultPort
	}
	if c.Session.Period <= 0 {
		c.Session.Period = DefaultPeriod
	}
	if c.Run.Atoms == 0 {
		c.Run.Atoms = 27
	}
	if c.Run.Steps == 0 {
		c.Run.Steps = 1000
	}
	if c.Run.TimeStep == 0 {
		c.Run.TimeStep = 0.002
	}
	if c.Run.BoxEdge == 0 {
		c.Run.BoxEdge = 3.0
	}
	if c.Run.Ranks == 0 {
		c.Run.Ranks = 1
	}
}

// Validate rejects configurations that cannot produce a valid run. Ordering
// of the tracked indices is enforced downstream where the set is built.
func (c *Config) Validate() error {
	if c.Session.Enabled() && len(c.Tracked.Indices) == 0 {
		return fmt.Errorf("steering session enabled but no tracked atoms defined")
	}
	for _, idx := range c.Tracked.Indices {
		if idx < 0 {
			return fmt.Errorf("tracked atom index %d is negative", idx)
		}
		if c.Run.Atoms > 0 && idx >= c.Run.Atoms {
			return fmt.Errorf("tracked atom index %d outside system of %d atoms", idx, c.Run.Atoms)
		}
	}
	if c.Run.Ranks < 1 {
		return fmt.Errorf("rank count %d is not positive", c.Run.Ranks)
	}
	if c.ForceLog.Path != "" && !c.Session.Pull {
		return fmt.Errorf("force log configured but force pulling is disabled")
	}
	return nil
}
