package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"labmanager/internal/clock"
	"labmanager/internal/database"
	"labmanager/pkg/models"
)

const (
	// Gap is the mandatory idle window between consecutive
	// reservations on the same machine.
	Gap = 5 * time.Minute

	// QuickDefaultDuration is the walk-up session length when the
	// client does not ask for one, and also the upper bound.
	QuickDefaultDuration = 60 * time.Minute

	// QuickMinLeadTime is the minimum distance to the next reservation
	// for a walk-up session to be offered at all.
	QuickMinLeadTime = 20 * time.Minute

	// QuickMinDuration is the shortest walk-up session worth creating.
	QuickMinDuration = 10 * time.Minute
)

// Scheduler owns reservation placement for lab machines: conflict
// detection, walk-up sessions, and maintenance cascades.
type Scheduler struct {
	db    *database.BunDB
	clock clock.Clock
}

// New creates a scheduler backed by the given database
func New(db *database.BunDB, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{db: db, clock: clk}
}

// Conflicts reports whether [start, end) plus the idle gap overlaps any
// approved or pending allocation on the machine. excludeID skips one
// allocation, for updates; pass 0 to check them all. Two reservations
// separated by exactly the gap do not conflict.
func (s *Scheduler) Conflicts(ctx context.Context, machineID int64, start, end time.Time, excludeID int64) (bool, error) {
	active, err := s.db.Allocations.ListActiveByMachine(ctx, machineID)
	if err != nil {
		return false, fmt.Errorf("failed to list active allocations: %w", err)
	}

	for _, a := range active {
		if a.ID == excludeID {
			continue
		}
		if start.Before(a.EndTime.Add(Gap)) && end.Add(Gap).After(a.StartTime) {
			return true, nil
		}
	}
	return false, nil
}

// Create validates and stores a new reservation. The caller sets the
// status (pending for regular users, approved for admins).
func (s *Scheduler) Create(ctx context.Context, allocation *models.Allocation) error {
	if !allocation.EndTime.After(allocation.StartTime) {
		return reject(CodeInvalidTimeRange, "end time must be after start time")
	}

	machine, err := s.db.Machines.Get(ctx, allocation.MachineID)
	if err != nil {
		return err
	}
	if machine.Status == models.MachineMaintenance {
		return reject(CodeMachineMaintenance, "machine is under maintenance")
	}

	conflict, err := s.Conflicts(ctx, allocation.MachineID, allocation.StartTime, allocation.EndTime, 0)
	if err != nil {
		return err
	}
	if conflict {
		return reject(CodeAllocationConflict, "requested window overlaps an existing reservation")
	}

	now := s.clock.Now()
	allocation.CreatedAt = now
	allocation.UpdatedAt = now
	if err := s.db.Allocations.Create(ctx, allocation); err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}

	log.Info().
		Int64("allocation_id", allocation.ID).
		Int64("machine_id", allocation.MachineID).
		Int64("user_id", allocation.UserID).
		Time("start", allocation.StartTime).
		Time("end", allocation.EndTime).
		Str("status", string(allocation.Status)).
		Msg("Allocation created")
	return nil
}

// Reschedule moves an existing reservation to a new window, checking
// conflicts against everything except the reservation itself.
func (s *Scheduler) Reschedule(ctx context.Context, allocation *models.Allocation, start, end time.Time) error {
	if !end.After(start) {
		return reject(CodeInvalidTimeRange, "end time must be after start time")
	}

	conflict, err := s.Conflicts(ctx, allocation.MachineID, start, end, allocation.ID)
	if err != nil {
		return err
	}
	if conflict {
		return reject(CodeAllocationConflict, "requested window overlaps an existing reservation")
	}

	allocation.StartTime = start
	allocation.EndTime = end
	return s.db.Allocations.Update(ctx, allocation)
}

// CurrentFor returns the approved allocation covering the present
// moment on the machine, or nil when the machine is free. Boundary
// instants count as inside the window.
func (s *Scheduler) CurrentFor(ctx context.Context, machineID int64) (*models.Allocation, error) {
	active, err := s.db.Allocations.ListActiveByMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	for _, a := range active {
		if a.Status != models.AllocationApproved {
			continue
		}
		if !a.StartTime.After(now) && !a.EndTime.Before(now) {
			return a, nil
		}
	}
	return nil, nil
}

// NextFor returns the earliest allocation starting after now on the
// machine, approved or pending, or nil when nothing is scheduled.
func (s *Scheduler) NextFor(ctx context.Context, machineID int64) (*models.Allocation, error) {
	active, err := s.db.Allocations.ListActiveByMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var next *models.Allocation
	for _, a := range active {
		if !a.StartTime.After(now) {
			continue
		}
		if next == nil || a.StartTime.Before(next.StartTime) {
			next = a
		}
	}
	return next, nil
}

// NextForUser returns the user's earliest upcoming approved allocation
// on the machine, or nil.
func (s *Scheduler) NextForUser(ctx context.Context, machineID, userID int64) (*models.Allocation, error) {
	active, err := s.db.Allocations.ListActiveByMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var next *models.Allocation
	for _, a := range active {
		if a.UserID != userID || a.Status != models.AllocationApproved {
			continue
		}
		if !a.StartTime.After(now) {
			continue
		}
		if next == nil || a.StartTime.Before(next.StartTime) {
			next = a
		}
	}
	return next, nil
}

// ScheduleSlot is a reservation as shown on the machine's login
// screen. It carries no user identity; anyone standing at the machine
// can see the calendar.
type ScheduleSlot struct {
	ID        int64                   `json:"id"`
	StartTime time.Time               `json:"startTime"`
	EndTime   time.Time               `json:"endTime"`
	Status    models.AllocationStatus `json:"status"`
	IsCurrent bool                    `json:"isCurrent"`
	IsPast    bool                    `json:"isPast"`
}

// DaySchedule returns the machine's approved and pending reservations
// overlapping the calendar day containing the given instant, ordered by
// start time and redacted to anonymous slots.
func (s *Scheduler) DaySchedule(ctx context.Context, machineID int64, day time.Time) ([]*ScheduleSlot, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	allocations, err := s.db.Allocations.ListByMachineAndDay(ctx, machineID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	slots := make([]*ScheduleSlot, len(allocations))
	for i, a := range allocations {
		slots[i] = &ScheduleSlot{
			ID:        a.ID,
			StartTime: a.StartTime,
			EndTime:   a.EndTime,
			Status:    a.Status,
			IsCurrent: !a.StartTime.After(now) && !a.EndTime.Before(now),
			IsPast:    a.EndTime.Before(now),
		}
	}
	return slots, nil
}

// CascadeCancel cancels every approved and pending allocation starting
// after now on the machine. Used when a machine enters maintenance.
// Returns the number of cancelled reservations; a session already in
// progress is left to run out.
func (s *Scheduler) CascadeCancel(ctx context.Context, machineID int64) (int64, error) {
	count, err := s.db.Allocations.CancelFutureByMachine(ctx, machineID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel future allocations: %w", err)
	}
	if count > 0 {
		log.Info().
			Int64("machine_id", machineID).
			Int64("cancelled", count).
			Msg("Cascade-cancelled future allocations")
	}
	return count, nil
}

// QuickAllocateOffer describes whether a walk-up session is currently
// possible on a machine, and for how long.
type QuickAllocateOffer struct {
	Available        bool               `json:"available"`
	MaxDuration      int64              `json:"maxDurationMinutes"`
	ReasonCode       string             `json:"reasonCode,omitempty"`
	MinutesUntilNext *int64             `json:"minutesUntilNext,omitempty"`
	Current          *models.Allocation `json:"-"`
}

// QuickAllocateInfo evaluates walk-up eligibility without creating
// anything. Heartbeat responses carry the result to the agent.
func (s *Scheduler) QuickAllocateInfo(ctx context.Context, machine *models.Machine) (*QuickAllocateOffer, error) {
	if machine.Status == models.MachineMaintenance {
		return &QuickAllocateOffer{ReasonCode: CodeMachineMaintenance}, nil
	}

	current, err := s.CurrentFor(ctx, machine.ID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return &QuickAllocateOffer{ReasonCode: CodeMachineOccupied, Current: current}, nil
	}

	next, err := s.NextFor(ctx, machine.ID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return &QuickAllocateOffer{
			Available:   true,
			MaxDuration: int64(QuickDefaultDuration / time.Minute),
		}, nil
	}

	minutesUntilNext := int64(next.StartTime.Sub(s.clock.Now()) / time.Minute)
	if minutesUntilNext < int64(QuickMinLeadTime/time.Minute) {
		return &QuickAllocateOffer{
			ReasonCode:       CodeInsufficientTime,
			MinutesUntilNext: &minutesUntilNext,
		}, nil
	}

	maxDuration := minutesUntilNext - int64(Gap/time.Minute)
	if maxDuration > int64(QuickDefaultDuration/time.Minute) {
		maxDuration = int64(QuickDefaultDuration / time.Minute)
	}
	return &QuickAllocateOffer{
		Available:        true,
		MaxDuration:      maxDuration,
		MinutesUntilNext: &minutesUntilNext,
	}, nil
}

// QuickAllocate creates an immediate approved reservation for a user
// standing at the machine. requestedMinutes of 0 means the default
// duration. The session is clamped to leave the gap before the next
// reservation.
func (s *Scheduler) QuickAllocate(ctx context.Context, machine *models.Machine, userID int64, requestedMinutes int64) (*models.Allocation, error) {
	offer, err := s.QuickAllocateInfo(ctx, machine)
	if err != nil {
		return nil, err
	}
	if !offer.Available {
		switch offer.ReasonCode {
		case CodeMachineMaintenance:
			return nil, reject(CodeMachineMaintenance, "machine is under maintenance")
		case CodeMachineOccupied:
			return nil, reject(CodeMachineOccupied, "machine has an active reservation")
		case CodeInsufficientTime:
			return nil, reject(CodeInsufficientTime, "not enough time before the next reservation")
		default:
			return nil, reject(offer.ReasonCode, "quick allocation unavailable")
		}
	}

	duration := requestedMinutes
	if duration <= 0 || duration > int64(QuickDefaultDuration/time.Minute) {
		duration = int64(QuickDefaultDuration / time.Minute)
	}
	if duration > offer.MaxDuration {
		duration = offer.MaxDuration
	}
	if duration < int64(QuickMinDuration/time.Minute) {
		return nil, reject(CodeDurationTooShort, "available window is too short for a session")
	}

	now := s.clock.Now()
	allocation := &models.Allocation{
		UserID:    userID,
		MachineID: machine.ID,
		StartTime: now,
		EndTime:   now.Add(time.Duration(duration) * time.Minute),
		Status:    models.AllocationApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The offer was computed from a snapshot; re-check before writing
	conflict, err := s.Conflicts(ctx, machine.ID, allocation.StartTime, allocation.EndTime, 0)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, reject(CodeConflictDetected, "reservation appeared while allocating")
	}

	if err := s.db.Allocations.Create(ctx, allocation); err != nil {
		return nil, fmt.Errorf("failed to create quick allocation: %w", err)
	}

	log.Info().
		Int64("allocation_id", allocation.ID).
		Int64("machine_id", machine.ID).
		Int64("user_id", userID).
		Int64("duration_minutes", duration).
		Msg("Quick allocation created")
	return allocation, nil
}
