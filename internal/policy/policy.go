// Package policy holds the process-wide notification policy: which offsets before
// an event's start trigger a reminder and how often the scheduler checks.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid notification policy")

// Policy is an immutable notification policy. Offsets are distinct positive hour
// counts sorted descending, so the furthest-out reminder comes first.
type Policy struct {
	Offsets  []int
	Interval time.Duration
}

// Default mirrors the stock bot settings.
func Default() Policy {
	return Policy{Offsets: []int{24, 12}, Interval: 5 * time.Minute}
}

// New validates offsets and interval and returns a normalized Policy.
func New(offsets []int, interval time.Duration) (Policy, error) {
	if len(offsets) == 0 {
		return Policy{}, fmt.Errorf("%w: at least one offset is required", ErrInvalid)
	}
	if interval <= 0 {
		return Policy{}, fmt.Errorf("%w: check interval must be positive", ErrInvalid)
	}

	seen := make(map[int]bool, len(offsets))
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if o <= 0 {
			return Policy{}, fmt.Errorf("%w: offset %d must be a positive number of hours", ErrInvalid, o)
		}
		if seen[o] {
			return Policy{}, fmt.Errorf("%w: offset %d listed twice", ErrInvalid, o)
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))

	return Policy{Offsets: out, Interval: interval}, nil
}

// Ascending returns the offsets nearest-first.
func (p Policy) Ascending() []int {
	out := append([]int(nil), p.Offsets...)
	sort.Ints(out)
	return out
}

func (p Policy) String() string {
	parts := make([]string, len(p.Offsets))
	for i, o := range p.Offsets {
		parts[i] = strconv.Itoa(o) + "h"
	}
	return fmt.Sprintf("offsets=[%s] interval=%s", strings.Join(parts, ","), p.Interval)
}

// ParseOffsets parses a comma separated list such as "24,12".
func ParseOffsets(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a whole number of hours", ErrInvalid, part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no offsets given", ErrInvalid)
	}
	return out, nil
}

// Holder publishes the current policy. Readers always see a whole policy value.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder returns a Holder initialised with p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Load returns the current policy.
func (h *Holder) Load() Policy {
	p := h.current.Load()
	if p == nil {
		return Default()
	}
	return *p
}

// Store replaces the current policy and returns the previous one.
func (h *Holder) Store(p Policy) Policy {
	cp := Policy{Offsets: append([]int(nil), p.Offsets...), Interval: p.Interval}
	prev := h.current.Swap(&cp)
	if prev == nil {
		return Default()
	}
	return *prev
}

// fileConfig is the on-disk YAML layout.
type fileConfig struct {
	Offsets         []int `yaml:"offsets"`
	IntervalMinutes int   `yaml:"interval_minutes"`
}

// LoadFile reads a YAML policy file. Missing fields fall back to def.
func LoadFile(path string, def Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}

	offsets := def.Offsets
	if len(fc.Offsets) > 0 {
		offsets = fc.Offsets
	}
	interval := def.Interval
	if fc.IntervalMinutes > 0 {
		interval = time.Duration(fc.IntervalMinutes) * time.Minute
	}
	return New(offsets, interval)
}
