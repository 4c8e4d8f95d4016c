package controller_test

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/gpufand/internal/gpu"
)

// fakeExecutor simulates a set of GPUs. Failures and hangs are injected per
// operation and GPU index.
type fakeExecutor struct {
	mu sync.Mutex

	temps  map[int]int
	power  map[int]float64
	fans   map[int]int
	manual map[int]bool
	writes map[int][]int
	calls  map[string]int

	fail map[string]map[int]bool
	hang map[string]map[int]chan struct{}
	bomb map[string]map[int]bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		temps:  map[int]int{},
		power:  map[int]float64{},
		fans:   map[int]int{},
		manual: map[int]bool{},
		writes: map[int][]int{},
		calls:  map[string]int{},
		fail:   map[string]map[int]bool{},
		hang:   map[string]map[int]chan struct{}{},
		bomb:   map[string]map[int]bool{},
	}
}

func (f *fakeExecutor) setFail(op string, index int, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[op] == nil {
		f.fail[op] = map[int]bool{}
	}
	f.fail[op][index] = fail
}

// setHang makes op block on index until release is closed, ignoring ctx.
func (f *fakeExecutor) setHang(op string, index int, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hang[op] == nil {
		f.hang[op] = map[int]chan struct{}{}
	}
	f.hang[op][index] = release
}

func (f *fakeExecutor) setPanic(op string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bomb[op] == nil {
		f.bomb[op] = map[int]bool{}
	}
	f.bomb[op][index] = true
}

func (f *fakeExecutor) setTemp(index, temp int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temps[index] = temp
}

func (f *fakeExecutor) enter(op string, index int) error {
	f.mu.Lock()
	f.calls[op]++
	release := f.hang[op][index]
	failing := f.fail[op][index]
	boom := f.bomb[op][index]
	f.mu.Unlock()

	if boom {
		panic(fmt.Sprintf("%s exploded on gpu %d", op, index))
	}
	if release != nil {
		<-release
	}
	if failing {
		return fmt.Errorf("%s failed on gpu %d", op, index)
	}
	return nil
}

func (f *fakeExecutor) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeExecutor) writesFor(index int) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.writes[index]...)
}

func (f *fakeExecutor) isManual(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manual[index]
}

func (f *fakeExecutor) ListGPUs(context.Context) ([]gpu.Info, error) {
	return nil, nil
}

func (f *fakeExecutor) ReadTemperature(_ context.Context, index int) (int, error) {
	if err := f.enter("temperature", index); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temps[index], nil
}

func (f *fakeExecutor) ReadPower(_ context.Context, index int) (float64, error) {
	if err := f.enter("power", index); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power[index], nil
}

func (f *fakeExecutor) ReadFanSpeed(_ context.Context, index int) (int, error) {
	if err := f.enter("fan", index); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fans[index], nil
}

func (f *fakeExecutor) SetManualControl(_ context.Context, index int, enabled bool) error {
	if err := f.enter("manual", index); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual[index] = enabled
	return nil
}

func (f *fakeExecutor) SetTargetFanSpeed(_ context.Context, index, percent int) error {
	if err := f.enter("target", index); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[index] = append(f.writes[index], percent)
	return nil
}

func (f *fakeExecutor) Close() error {
	return nil
}

type memJournal struct {
	mu   sync.Mutex
	held map[int]gpu.Info
	fail bool
}

func newMemJournal() *memJournal {
	return &memJournal{held: map[int]gpu.Info{}}
}

func (j *memJournal) Acquire(_ context.Context, g gpu.Info) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return fmt.Errorf("journal unavailable")
	}
	j.held[g.Index] = g
	return nil
}

func (j *memJournal) Release(_ context.Context, index int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.held, index)
	return nil
}

func (j *memJournal) Held(context.Context) ([]gpu.Info, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]gpu.Info, 0, len(j.held))
	for i := 0; i < 16; i++ {
		if g, ok := j.held[i]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}
