package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"labmanager/pkg/models"
)

// UserRepository provides database operations for user accounts
type UserRepository interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id int64) error
}

type userRepository struct {
	db *bun.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *bun.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Get(ctx context.Context, id int64) (*models.User, error) {
	user := new(User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user not found")
	}
	if err != nil {
		return nil, err
	}

	return user.ToModel(), nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := new(User)
	err := r.db.NewSelect().
		Model(user).
		Where("email = ?", email).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user not found")
	}
	if err != nil {
		return nil, err
	}

	return user.ToModel(), nil
}

func (r *userRepository) List(ctx context.Context) ([]*models.User, error) {
	var users []*User
	err := r.db.NewSelect().
		Model(&users).
		Order("created_at DESC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.User, len(users))
	for i, u := range users {
		result[i] = u.ToModel()
	}
	return result, nil
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	dbUser := UserFromModel(user)
	_, err := r.db.NewInsert().
		Model(dbUser).
		Exec(ctx)
	if err != nil {
		return err
	}
	user.ID = dbUser.ID
	return nil
}

func (r *userRepository) Update(ctx context.Context, user *models.User) error {
	dbUser := UserFromModel(user)
	dbUser.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(dbUser).
		WherePK().
		Exec(ctx)
	return err
}

// Delete removes a user and all of their allocations, along with the
// telemetry and summaries those allocations own. Done in a transaction
// so a partial cascade never survives.
func (r *userRepository) Delete(ctx context.Context, id int64) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var allocationIDs []int64
		err := tx.NewSelect().
			Model((*Allocation)(nil)).
			Column("id").
			Where("user_id = ?", id).
			Scan(ctx, &allocationIDs)
		if err != nil {
			return err
		}

		if len(allocationIDs) > 0 {
			if _, err := tx.NewDelete().
				Model((*Telemetry)(nil)).
				Where("allocation_id IN (?)", bun.In(allocationIDs)).
				Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().
				Model((*AllocationMetric)(nil)).
				Where("allocation_id IN (?)", bun.In(allocationIDs)).
				Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().
				Model((*Allocation)(nil)).
				Where("user_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
		}

		_, err = tx.NewDelete().
			Model((*User)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
}

// MachineRepository provides database operations for lab machines
type MachineRepository interface {
	Get(ctx context.Context, id int64) (*models.Machine, error)
	GetByToken(ctx context.Context, token string) (*models.Machine, error)
	GetByMAC(ctx context.Context, macAddress string) (*models.Machine, error)
	List(ctx context.Context) ([]*models.Machine, error)
	ListByStatus(ctx context.Context, status models.MachineStatus) ([]*models.Machine, error)
	Create(ctx context.Context, machine *models.Machine) error
	Update(ctx context.Context, machine *models.Machine) error
	UpdateLiveness(ctx context.Context, id int64, lastSeenAt time.Time, status models.MachineStatus) error
	Delete(ctx context.Context, id int64) error
}

type machineRepository struct {
	db *bun.DB
}

// NewMachineRepository creates a new machine repository
func NewMachineRepository(db *bun.DB) MachineRepository {
	return &machineRepository{db: db}
}

func (r *machineRepository) Get(ctx context.Context, id int64) (*models.Machine, error) {
	machine := new(Machine)
	err := r.db.NewSelect().
		Model(machine).
		Where("id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine not found")
	}
	if err != nil {
		return nil, err
	}

	return machine.ToModel(), nil
}

func (r *machineRepository) GetByToken(ctx context.Context, token string) (*models.Machine, error) {
	machine := new(Machine)
	err := r.db.NewSelect().
		Model(machine).
		Where("token = ?", token).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine not found")
	}
	if err != nil {
		return nil, err
	}

	return machine.ToModel(), nil
}

func (r *machineRepository) GetByMAC(ctx context.Context, macAddress string) (*models.Machine, error) {
	machine := new(Machine)
	err := r.db.NewSelect().
		Model(machine).
		Where("mac_address = ?", macAddress).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine not found")
	}
	if err != nil {
		return nil, err
	}

	return machine.ToModel(), nil
}

func (r *machineRepository) List(ctx context.Context) ([]*models.Machine, error) {
	var machines []*Machine
	err := r.db.NewSelect().
		Model(&machines).
		Order("name ASC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Machine, len(machines))
	for i, m := range machines {
		result[i] = m.ToModel()
	}
	return result, nil
}

func (r *machineRepository) ListByStatus(ctx context.Context, status models.MachineStatus) ([]*models.Machine, error) {
	var machines []*Machine
	err := r.db.NewSelect().
		Model(&machines).
		Where("status = ?", string(status)).
		Order("name ASC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Machine, len(machines))
	for i, m := range machines {
		result[i] = m.ToModel()
	}
	return result, nil
}

func (r *machineRepository) Create(ctx context.Context, machine *models.Machine) error {
	dbMachine := MachineFromModel(machine)
	_, err := r.db.NewInsert().
		Model(dbMachine).
		Exec(ctx)
	if err != nil {
		return err
	}
	machine.ID = dbMachine.ID
	return nil
}

func (r *machineRepository) Update(ctx context.Context, machine *models.Machine) error {
	dbMachine := MachineFromModel(machine)
	dbMachine.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(dbMachine).
		WherePK().
		Exec(ctx)
	return err
}

// UpdateLiveness touches only the liveness columns so heartbeat
// writes cannot overwrite concurrent edits to the rest of the row.
func (r *machineRepository) UpdateLiveness(ctx context.Context, id int64, lastSeenAt time.Time, status models.MachineStatus) error {
	_, err := r.db.NewUpdate().
		Model((*Machine)(nil)).
		Set("last_seen_at = ?", lastSeenAt).
		Set("status = ?", string(status)).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// Delete removes a machine, its allocations, and the telemetry and
// summaries hanging off those allocations, in a single transaction.
func (r *machineRepository) Delete(ctx context.Context, id int64) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var allocationIDs []int64
		err := tx.NewSelect().
			Model((*Allocation)(nil)).
			Column("id").
			Where("machine_id = ?", id).
			Scan(ctx, &allocationIDs)
		if err != nil {
			return err
		}

		if len(allocationIDs) > 0 {
			if _, err := tx.NewDelete().
				Model((*AllocationMetric)(nil)).
				Where("allocation_id IN (?)", bun.In(allocationIDs)).
				Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().
				Model((*Allocation)(nil)).
				Where("machine_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
		}

		// Telemetry may reference the machine even when the owning
		// allocation is already gone
		if _, err := tx.NewDelete().
			Model((*Telemetry)(nil)).
			Where("machine_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}

		_, err = tx.NewDelete().
			Model((*Machine)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
}

// AllocationRepository provides database operations for reservations
type AllocationRepository interface {
	Get(ctx context.Context, id int64) (*models.Allocation, error)
	List(ctx context.Context) ([]*models.Allocation, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Allocation, error)
	ListByMachine(ctx context.Context, machineID int64) ([]*models.Allocation, error)
	// ListActiveByMachine returns approved and pending allocations for
	// the machine, ordered by start time.
	ListActiveByMachine(ctx context.Context, machineID int64) ([]*models.Allocation, error)
	ListByMachineAndDay(ctx context.Context, machineID int64, dayStart, dayEnd time.Time) ([]*models.Allocation, error)
	Create(ctx context.Context, allocation *models.Allocation) error
	Update(ctx context.Context, allocation *models.Allocation) error
	Delete(ctx context.Context, id int64) error
	// CancelFutureByMachine bulk-cancels approved and pending
	// allocations starting strictly after the cutoff. Returns the
	// number of rows cancelled.
	CancelFutureByMachine(ctx context.Context, machineID int64, cutoff time.Time) (int64, error)
	// Prune hard-deletes allocations that ended before the cutoff,
	// together with their telemetry and summaries.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type allocationRepository struct {
	db *bun.DB
}

// NewAllocationRepository creates a new allocation repository
func NewAllocationRepository(db *bun.DB) AllocationRepository {
	return &allocationRepository{db: db}
}

func (r *allocationRepository) Get(ctx context.Context, id int64) (*models.Allocation, error) {
	allocation := new(Allocation)
	err := r.db.NewSelect().
		Model(allocation).
		Relation("User").
		Relation("Machine").
		Where("allocation.id = ?", id).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("allocation not found")
	}
	if err != nil {
		return nil, err
	}

	return allocation.ToModel(), nil
}

func (r *allocationRepository) List(ctx context.Context) ([]*models.Allocation, error) {
	var allocations []*Allocation
	err := r.db.NewSelect().
		Model(&allocations).
		Relation("User").
		Relation("Machine").
		Order("start_time DESC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Allocation, len(allocations))
	for i, a := range allocations {
		result[i] = a.ToModel()
	}
	return result, nil
}

func (r *allocationRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Allocation, error) {
	var allocations []*Allocation
	err := r.db.NewSelect().
		Model(&allocations).
		Relation("Machine").
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Allocation, len(allocations))
	for i, a := range allocations {
		result[i] = a.ToModel()
	}
	return result, nil
}

func (r *allocationRepository) ListByMachine(ctx context.Context, machineID int64) ([]*models.Allocation, error) {
	var allocations []*Allocation
	err := r.db.NewSelect().
		Model(&allocations).
		Relation("User").
		Where("machine_id = ?", machineID).
		Order("start_time DESC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Allocation, len(allocations))
	for i, a := range allocations {
		result[i] = a.ToModel()
	}
	return result, nil
}

func (r *allocationRepository) ListActiveByMachine(ctx context.Context, machineID int64) ([]*models.Allocation, error) {
	var allocations []*Allocation
	err := r.db.NewSelect().
		Model(&allocations).
		Relation("User").
		Where("machine_id = ?", machineID).
		Where("allocation.status IN (?)", bun.In([]string{
			string(models.AllocationApproved),
			string(models.AllocationPending),
		})).
		Order("start_time ASC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Allocation, len(allocations))
	for i, a := range allocations {
		result[i] = a.ToModel()
	}
	return result, nil
}

func (r *allocationRepository) ListByMachineAndDay(ctx context.Context, machineID int64, dayStart, dayEnd time.Time) ([]*models.Allocation, error) {
	var allocations []*Allocation
	err := r.db.NewSelect().
		Model(&allocations).
		Relation("User").
		Where("machine_id = ?", machineID).
		Where("allocation.status IN (?)", bun.In([]string{
			string(models.AllocationApproved),
			string(models.AllocationPending),
		})).
		Where("start_time < ?", dayEnd).
		Where("end_time > ?", dayStart).
		Order("start_time ASC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.Allocation, len(allocations))
	for i, a := range allocations {
		result[i] = a.ToModel()
	}
	return result, nil
}

func (r *allocationRepository) Create(ctx context.Context, allocation *models.Allocation) error {
	dbAllocation := AllocationFromModel(allocation)
	_, err := r.db.NewInsert().
		Model(dbAllocation).
		Exec(ctx)
	if err != nil {
		return err
	}
	allocation.ID = dbAllocation.ID
	return nil
}

func (r *allocationRepository) Update(ctx context.Context, allocation *models.Allocation) error {
	dbAllocation := AllocationFromModel(allocation)
	dbAllocation.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(dbAllocation).
		WherePK().
		Exec(ctx)
	return err
}

func (r *allocationRepository) Delete(ctx context.Context, id int64) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*Telemetry)(nil)).
			Where("allocation_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*AllocationMetric)(nil)).
			Where("allocation_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*Allocation)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
}

func (r *allocationRepository) CancelFutureByMachine(ctx context.Context, machineID int64, cutoff time.Time) (int64, error) {
	res, err := r.db.NewUpdate().
		Model((*Allocation)(nil)).
		Set("status = ?", string(models.AllocationCancelled)).
		Set("updated_at = ?", time.Now()).
		Where("machine_id = ?", machineID).
		Where("status IN (?)", bun.In([]string{
			string(models.AllocationApproved),
			string(models.AllocationPending),
		})).
		Where("start_time > ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *allocationRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var allocationIDs []int64
		err := tx.NewSelect().
			Model((*Allocation)(nil)).
			Column("id").
			Where("end_time < ?", cutoff).
			Scan(ctx, &allocationIDs)
		if err != nil {
			return err
		}
		if len(allocationIDs) == 0 {
			return nil
		}

		if _, err := tx.NewDelete().
			Model((*Telemetry)(nil)).
			Where("allocation_id IN (?)", bun.In(allocationIDs)).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*AllocationMetric)(nil)).
			Where("allocation_id IN (?)", bun.In(allocationIDs)).
			Exec(ctx); err != nil {
			return err
		}

		res, err := tx.NewDelete().
			Model((*Allocation)(nil)).
			Where("id IN (?)", bun.In(allocationIDs)).
			Exec(ctx)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// TelemetryRepository provides database operations for telemetry samples
type TelemetryRepository interface {
	// InsertBatch writes samples in slice order so the auto-increment
	// IDs preserve arrival order.
	InsertBatch(ctx context.Context, samples []*models.TelemetrySample) error
	ListByAllocation(ctx context.Context, allocationID int64) ([]*models.TelemetrySample, error)
	// LatestByMachine returns the most recent sample for the machine,
	// or a not-found error when none exist.
	LatestByMachine(ctx context.Context, machineID int64) (*models.TelemetrySample, error)
	// RecentByMachine returns up to limit samples for the machine,
	// newest first.
	RecentByMachine(ctx context.Context, machineID int64, limit int) ([]*models.TelemetrySample, error)
	DeleteByMachine(ctx context.Context, machineID int64) (int64, error)
	Count(ctx context.Context) (int, error)
}

type telemetryRepository struct {
	db *bun.DB
}

// NewTelemetryRepository creates a new telemetry repository
func NewTelemetryRepository(db *bun.DB) TelemetryRepository {
	return &telemetryRepository{db: db}
}

func (r *telemetryRepository) InsertBatch(ctx context.Context, samples []*models.TelemetrySample) error {
	if len(samples) == 0 {
		return nil
	}

	rows := make([]*Telemetry, len(samples))
	for i, s := range samples {
		rows[i] = TelemetryFromModel(s)
	}

	_, err := r.db.NewInsert().
		Model(&rows).
		Exec(ctx)
	return err
}

func (r *telemetryRepository) ListByAllocation(ctx context.Context, allocationID int64) ([]*models.TelemetrySample, error) {
	var rows []*Telemetry
	err := r.db.NewSelect().
		Model(&rows).
		Where("allocation_id = ?", allocationID).
		Order("id ASC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.TelemetrySample, len(rows))
	for i, t := range rows {
		result[i] = t.ToModel()
	}
	return result, nil
}

func (r *telemetryRepository) LatestByMachine(ctx context.Context, machineID int64) (*models.TelemetrySample, error) {
	row := new(Telemetry)
	err := r.db.NewSelect().
		Model(row).
		Where("machine_id = ?", machineID).
		Order("id DESC").
		Limit(1).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("telemetry not found")
	}
	if err != nil {
		return nil, err
	}

	return row.ToModel(), nil
}

func (r *telemetryRepository) RecentByMachine(ctx context.Context, machineID int64, limit int) ([]*models.TelemetrySample, error) {
	var rows []*Telemetry
	err := r.db.NewSelect().
		Model(&rows).
		Where("machine_id = ?", machineID).
		Order("id DESC").
		Limit(limit).
		Scan(ctx)

	if err != nil {
		return nil, err
	}

	result := make([]*models.TelemetrySample, len(rows))
	for i, t := range rows {
		result[i] = t.ToModel()
	}
	return result, nil
}

func (r *telemetryRepository) DeleteByMachine(ctx context.Context, machineID int64) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*Telemetry)(nil)).
		Where("machine_id = ?", machineID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *telemetryRepository) Count(ctx context.Context) (int, error) {
	return r.db.NewSelect().
		Model((*Telemetry)(nil)).
		Count(ctx)
}

// MetricRepository provides database operations for allocation summaries
type MetricRepository interface {
	GetByAllocation(ctx context.Context, allocationID int64) (*models.AllocationMetric, error)
	ExistsForAllocation(ctx context.Context, allocationID int64) (bool, error)
	Create(ctx context.Context, metric *models.AllocationMetric) error
	Delete(ctx context.Context, id int64) error
}

type metricRepository struct {
	db *bun.DB
}

// NewMetricRepository creates a new metric repository
func NewMetricRepository(db *bun.DB) MetricRepository {
	return &metricRepository{db: db}
}

func (r *metricRepository) GetByAllocation(ctx context.Context, allocationID int64) (*models.AllocationMetric, error) {
	metric := new(AllocationMetric)
	err := r.db.NewSelect().
		Model(metric).
		Where("allocation_id = ?", allocationID).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metric not found")
	}
	if err != nil {
		return nil, err
	}

	return metric.ToModel(), nil
}

func (r *metricRepository) ExistsForAllocation(ctx context.Context, allocationID int64) (bool, error) {
	return r.db.NewSelect().
		Model((*AllocationMetric)(nil)).
		Where("allocation_id = ?", allocationID).
		Exists(ctx)
}

func (r *metricRepository) Create(ctx context.Context, metric *models.AllocationMetric) error {
	dbMetric := AllocationMetricFromModel(metric)
	_, err := r.db.NewInsert().
		Model(dbMetric).
		Exec(ctx)
	if err != nil {
		return err
	}
	metric.ID = dbMetric.ID
	return nil
}

func (r *metricRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.NewDelete().
		Model((*AllocationMetric)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
