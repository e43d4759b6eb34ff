package models

import (
	"time"

	"github.com/google/uuid"
)

// MachineStatus is the lifecycle state of a physical lab machine.
type MachineStatus string

const (
	MachineAvailable   MachineStatus = "available"
	MachineOccupied    MachineStatus = "occupied"
	MachineMaintenance MachineStatus = "maintenance"
	MachineOffline     MachineStatus = "offline"
)

// AllocationStatus is the lifecycle state of a reservation.
type AllocationStatus string

const (
	AllocationPending   AllocationStatus = "pending"
	AllocationApproved  AllocationStatus = "approved"
	AllocationDenied    AllocationStatus = "denied"
	AllocationCancelled AllocationStatus = "cancelled"
	AllocationFinished  AllocationStatus = "finished"
)

// Role is the authorization level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Machine is a physical lab workstation managed by a resident agent.
// Token is the agent's bearer credential; it is generated server-side at
// creation, never empty afterwards, and rotatable. MACAddress is a
// secondary binding factor checked against the X-MAC-Address header when
// strict binding is enabled.
type Machine struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Token       string `json:"-"`

	CPUModel    *string `json:"cpuModel"`
	GPUModel    *string `json:"gpuModel"`
	TotalRAMGB  *int64  `json:"totalRamGb"`
	TotalDiskGB *int64  `json:"totalDiskGb"`

	IPAddress  *string `json:"ipAddress"`
	MACAddress string  `json:"macAddress"`

	Status MachineStatus `json:"status"`

	// Agent bookkeeping
	LastSeenAt     *time.Time `json:"lastSeenAt"`
	TokenRotatedAt *time.Time `json:"tokenRotatedAt,omitempty"`
	LoggedUser     *string    `json:"loggedUser"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Allocation is a reserved time interval granting one user exclusive
// rights to one machine. For any machine, no two allocations with status
// approved or pending may have intersecting effective intervals, where
// the effective interval is [StartTime-Gap, EndTime+Gap).
type Allocation struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"userId"`
	MachineID int64            `json:"machineId"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
	Reason    *string          `json:"reason"`
	Status    AllocationStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`

	User    *User    `json:"user,omitempty"`
	Machine *Machine `json:"machine,omitempty"`
}

// TelemetrySample is one hardware/network measurement reported by a
// machine agent during an active allocation. Usage and temperature
// values use a fixed 0-1000 integer scale (650 = 65.0). The
// auto-increment ID doubles as the temporal sequence: sampling cadence
// is fixed, so insertion order is the time axis.
type TelemetrySample struct {
	ID           int64 `json:"id"`
	AllocationID int64 `json:"allocationId"`
	MachineID    int64 `json:"machineId"`

	CPUUsage int64 `json:"cpuUsage"`
	CPUTemp  int64 `json:"cpuTemp"`
	GPUUsage int64 `json:"gpuUsage"`
	GPUTemp  int64 `json:"gpuTemp"`
	RAMUsage int64 `json:"ramUsage"`

	// Not every agent build reports these.
	DiskUsage       *int64 `json:"diskUsage"`
	DownloadUsage   *int64 `json:"downloadUsage"`
	UploadUsage     *int64 `json:"uploadUsage"`
	MoboTemperature *int64 `json:"moboTemperature"`

	LoggedUserName *string `json:"loggedUserName"`
}

// AllocationMetric is the one-shot aggregation of a finished
// allocation's telemetry. At most one metric exists per allocation.
// Averages keep fractional precision; maxima stay on the integer scale.
// Optional dimensions are nil when no sample carried the field.
type AllocationMetric struct {
	ID           int64 `json:"id"`
	AllocationID int64 `json:"allocationId"`

	AvgCPUUsage float64 `json:"avgCpuUsage"`
	MaxCPUUsage int64   `json:"maxCpuUsage"`
	AvgCPUTemp  float64 `json:"avgCpuTemp"`
	MaxCPUTemp  int64   `json:"maxCpuTemp"`

	AvgGPUUsage float64 `json:"avgGpuUsage"`
	MaxGPUUsage int64   `json:"maxGpuUsage"`
	AvgGPUTemp  float64 `json:"avgGpuTemp"`
	MaxGPUTemp  int64   `json:"maxGpuTemp"`

	AvgRAMUsage float64 `json:"avgRamUsage"`
	MaxRAMUsage int64   `json:"maxRamUsage"`

	AvgDiskUsage     *float64 `json:"avgDiskUsage"`
	MaxDiskUsage     *int64   `json:"maxDiskUsage"`
	AvgDownloadUsage *float64 `json:"avgDownloadUsage"`
	MaxDownloadUsage *int64   `json:"maxDownloadUsage"`
	AvgUploadUsage   *float64 `json:"avgUploadUsage"`
	MaxUploadUsage   *int64   `json:"maxUploadUsage"`
	AvgMoboTemp      *float64 `json:"avgMoboTemp"`
	MaxMoboTemp      *int64   `json:"maxMoboTemp"`

	SessionDurationMinutes int64 `json:"sessionDurationMinutes"`

	CreatedAt time.Time `json:"createdAt"`
}

// User is an account that can hold allocations. PasswordHash is a
// bcrypt hash and never serialized.
type User struct {
	ID           int64     `json:"id"`
	FullName     string    `json:"fullName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// AuthClaims are the validated contents of a user session token.
type AuthClaims struct {
	UserID int64
	Email  string
	Role   Role
	JTI    uuid.UUID
}
