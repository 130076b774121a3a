package settlement

import (
	"context"
	"sync"

	"github.com/warp/commission-ledger/commission"
)

// ScheduleSource supplies the fee schedule and chain spec for an order.
// The engine treats the result as immutable for the duration of one call.
type ScheduleSource interface {
	ScheduleFor(ctx context.Context, ev OrderPaidEvent) (commission.FeeSchedule, error)
}

// StaticSchedule serves one schedule to every order. Set swaps it atomically
// for subsequent calls.
type StaticSchedule struct {
	mu       sync.RWMutex
	schedule commission.FeeSchedule
}

func NewStaticSchedule(s commission.FeeSchedule) *StaticSchedule {
	return &StaticSchedule{schedule: s}
}

func (s *StaticSchedule) ScheduleFor(_ context.Context, _ OrderPaidEvent) (commission.FeeSchedule, error) {
	return s.Current(), nil
}

// Current returns a copy of the active schedule.
func (s *StaticSchedule) Current() commission.FeeSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.schedule
	out.Chain.Slots = append([]commission.SlotSpec(nil), s.schedule.Chain.Slots...)
	return out
}

// Set validates and installs a new schedule.
func (s *StaticSchedule) Set(next commission.FeeSchedule) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = next
	return nil
}
