// Package registry holds the live state of every GPU discovered at startup.
//
// The set of GPUs is fixed when the registry is built. Each record is guarded
// by its own lock, so updating one GPU never waits on another and readers
// always see a record exactly as one Update left it.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
)

// TargetUnset marks a GPU for which no fan speed has been applied yet.
const TargetUnset = -1

// GPUState is the last observed and commanded state of one GPU.
type GPUState struct {
	Index                int       `json:"index"`
	Name                 string    `json:"name"`
	TemperatureC         int       `json:"temperature_c"`
	FanSpeedPercent      int       `json:"fan_speed_percent"`
	PowerWatts           float64   `json:"power_watts"`
	ManualControlEnabled bool      `json:"manual_control_enabled"`
	TargetSpeedPercent   int       `json:"target_speed_percent"`
	Tick                 uint64    `json:"tick"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasTarget reports whether a target speed has been applied.
func (s GPUState) HasTarget() bool {
	return s.TargetSpeedPercent != TargetUnset
}

type record struct {
	mu    sync.RWMutex
	state GPUState
}

// Registry is the authoritative set of GPU records.
type Registry struct {
	order   []int
	records map[int]*record
}

// New builds a registry with one zeroed record per discovered GPU.
func New(gpus []gpu.Info) (*Registry, error) {
	errFactory := errors.New()

	r := &Registry{
		order:   make([]int, 0, len(gpus)),
		records: make(map[int]*record, len(gpus)),
	}

	for _, g := range gpus {
		if _, ok := r.records[g.Index]; ok {
			return nil, errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("duplicate gpu index %d", g.Index))
		}
		r.records[g.Index] = &record{state: GPUState{
			Index:              g.Index,
			Name:               g.Name,
			TargetSpeedPercent: TargetUnset,
		}}
		r.order = append(r.order, g.Index)
	}

	sort.Ints(r.order)

	return r, nil
}

// Get returns a copy of the record for index.
func (r *Registry) Get(index int) (GPUState, error) {
	rec, err := r.lookup(index)
	if err != nil {
		return GPUState{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	return rec.state, nil
}

// Update applies mutate to the record for index while holding that record's
// lock. mutate must not block; Index and Name are restored afterwards.
func (r *Registry) Update(index int, mutate func(*GPUState)) error {
	rec, err := r.lookup(index)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := rec.state
	mutate(&next)
	next.Index = rec.state.Index
	next.Name = rec.state.Name
	rec.state = next

	return nil
}

// SnapshotAll returns copies of all records ordered by index.
func (r *Registry) SnapshotAll() []GPUState {
	out := make([]GPUState, 0, len(r.order))
	for _, index := range r.order {
		rec := r.records[index]
		rec.mu.RLock()
		out = append(out, rec.state)
		rec.mu.RUnlock()
	}

	return out
}

// Indices returns the discovered GPU indices in ascending order.
func (r *Registry) Indices() []int {
	out := make([]int, len(r.order))
	copy(out, r.order)

	return out
}

// Len returns the number of GPUs.
func (r *Registry) Len() int {
	return len(r.order)
}

func (r *Registry) lookup(index int) (*record, error) {
	rec, ok := r.records[index]
	if !ok {
		return nil, errors.New().WithData(errors.ErrResourceNotFound, fmt.Sprintf("gpu %d", index))
	}

	return rec, nil
}
