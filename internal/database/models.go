package database

import (
	"time"

	"github.com/uptrace/bun"

	"labmanager/pkg/models"
)

// User represents an account in the database using Bun ORM
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID           int64     `bun:"id,pk,autoincrement"`
	FullName     string    `bun:"full_name,notnull"`
	Email        string    `bun:"email,unique,notnull"`
	PasswordHash string    `bun:"password_hash,notnull"`
	Role         string    `bun:"role,notnull,default:'user'"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	// Relations
	Allocations []*Allocation `bun:"rel:has-many,join:id=user_id"`
}

// ToModel converts database User to domain model
func (u *User) ToModel() *models.User {
	return &models.User{
		ID:           u.ID,
		FullName:     u.FullName,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         models.Role(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// UserFromModel converts domain model to database User
func UserFromModel(m *models.User) *User {
	return &User{
		ID:           m.ID,
		FullName:     m.FullName,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         string(m.Role),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// Machine represents a lab machine in the database using Bun ORM
type Machine struct {
	bun.BaseModel `bun:"table:machines"`

	ID          int64   `bun:"id,pk,autoincrement"`
	Name        string  `bun:"name,notnull"`
	Description string  `bun:"description"`
	Token       string  `bun:"token,unique,notnull"`
	CPUModel    *string `bun:"cpu_model"`
	GPUModel    *string `bun:"gpu_model"`
	TotalRAMGB  *int64  `bun:"total_ram_gb"`
	TotalDiskGB *int64  `bun:"total_disk_gb"`
	IPAddress   *string `bun:"ip_address"`
	MACAddress  string  `bun:"mac_address,unique,notnull"`
	Status      string  `bun:"status,notnull,default:'offline'"`

	LastSeenAt     *time.Time `bun:"last_seen_at"`
	TokenRotatedAt *time.Time `bun:"token_rotated_at"`
	LoggedUser     *string    `bun:"logged_user"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	// Relations
	Allocations []*Allocation `bun:"rel:has-many,join:id=machine_id"`
}

// ToModel converts database Machine to domain model
func (m *Machine) ToModel() *models.Machine {
	return &models.Machine{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		Token:          m.Token,
		CPUModel:       m.CPUModel,
		GPUModel:       m.GPUModel,
		TotalRAMGB:     m.TotalRAMGB,
		TotalDiskGB:    m.TotalDiskGB,
		IPAddress:      m.IPAddress,
		MACAddress:     m.MACAddress,
		Status:         models.MachineStatus(m.Status),
		LastSeenAt:     m.LastSeenAt,
		TokenRotatedAt: m.TokenRotatedAt,
		LoggedUser:     m.LoggedUser,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// MachineFromModel converts domain model to database Machine
func MachineFromModel(m *models.Machine) *Machine {
	return &Machine{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		Token:          m.Token,
		CPUModel:       m.CPUModel,
		GPUModel:       m.GPUModel,
		TotalRAMGB:     m.TotalRAMGB,
		TotalDiskGB:    m.TotalDiskGB,
		IPAddress:      m.IPAddress,
		MACAddress:     m.MACAddress,
		Status:         string(m.Status),
		LastSeenAt:     m.LastSeenAt,
		TokenRotatedAt: m.TokenRotatedAt,
		LoggedUser:     m.LoggedUser,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Allocation represents a reservation in the database using Bun ORM
type Allocation struct {
	bun.BaseModel `bun:"table:allocations"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    int64     `bun:"user_id,notnull"`
	MachineID int64     `bun:"machine_id,notnull"`
	StartTime time.Time `bun:"start_time,notnull"`
	EndTime   time.Time `bun:"end_time,notnull"`
	Reason    *string   `bun:"reason"`
	Status    string    `bun:"status,notnull,default:'pending'"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	// Relations
	User    *User    `bun:"rel:belongs-to,join:user_id=id"`
	Machine *Machine `bun:"rel:belongs-to,join:machine_id=id"`
}

// ToModel converts database Allocation to domain model
func (a *Allocation) ToModel() *models.Allocation {
	out := &models.Allocation{
		ID:        a.ID,
		UserID:    a.UserID,
		MachineID: a.MachineID,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Reason:    a.Reason,
		Status:    models.AllocationStatus(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.User != nil {
		out.User = a.User.ToModel()
	}
	if a.Machine != nil {
		out.Machine = a.Machine.ToModel()
	}
	return out
}

// AllocationFromModel converts domain model to database Allocation
func AllocationFromModel(m *models.Allocation) *Allocation {
	return &Allocation{
		ID:        m.ID,
		UserID:    m.UserID,
		MachineID: m.MachineID,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		Reason:    m.Reason,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// Telemetry represents a telemetry sample in the database using Bun ORM.
// The table deliberately has no timestamp column: the auto-increment
// primary key is the temporal sequence, so row insertion order must be
// preserved by the writer.
type Telemetry struct {
	bun.BaseModel `bun:"table:telemetries"`

	ID           int64 `bun:"id,pk,autoincrement"`
	AllocationID int64 `bun:"allocation_id,notnull"`
	MachineID    int64 `bun:"machine_id,notnull"`

	CPUUsage int64 `bun:"cpu_usage,notnull"`
	CPUTemp  int64 `bun:"cpu_temp,notnull"`
	GPUUsage int64 `bun:"gpu_usage,notnull"`
	GPUTemp  int64 `bun:"gpu_temp,notnull"`
	RAMUsage int64 `bun:"ram_usage,notnull"`

	DiskUsage       *int64 `bun:"disk_usage"`
	DownloadUsage   *int64 `bun:"download_usage"`
	UploadUsage     *int64 `bun:"upload_usage"`
	MoboTemperature *int64 `bun:"mobo_temperature"`

	LoggedUserName *string `bun:"logged_user_name"`

	// Relations
	Allocation *Allocation `bun:"rel:belongs-to,join:allocation_id=id"`
}

// ToModel converts database Telemetry to domain model
func (t *Telemetry) ToModel() *models.TelemetrySample {
	return &models.TelemetrySample{
		ID:              t.ID,
		AllocationID:    t.AllocationID,
		MachineID:       t.MachineID,
		CPUUsage:        t.CPUUsage,
		CPUTemp:         t.CPUTemp,
		GPUUsage:        t.GPUUsage,
		GPUTemp:         t.GPUTemp,
		RAMUsage:        t.RAMUsage,
		DiskUsage:       t.DiskUsage,
		DownloadUsage:   t.DownloadUsage,
		UploadUsage:     t.UploadUsage,
		MoboTemperature: t.MoboTemperature,
		LoggedUserName:  t.LoggedUserName,
	}
}

// TelemetryFromModel converts domain model to database Telemetry
func TelemetryFromModel(m *models.TelemetrySample) *Telemetry {
	return &Telemetry{
		ID:              m.ID,
		AllocationID:    m.AllocationID,
		MachineID:       m.MachineID,
		CPUUsage:        m.CPUUsage,
		CPUTemp:         m.CPUTemp,
		GPUUsage:        m.GPUUsage,
		GPUTemp:         m.GPUTemp,
		RAMUsage:        m.RAMUsage,
		DiskUsage:       m.DiskUsage,
		DownloadUsage:   m.DownloadUsage,
		UploadUsage:     m.UploadUsage,
		MoboTemperature: m.MoboTemperature,
		LoggedUserName:  m.LoggedUserName,
	}
}

// AllocationMetric represents an aggregated session summary in the
// database using Bun ORM. One row per allocation.
type AllocationMetric struct {
	bun.BaseModel `bun:"table:allocation_metrics"`

	ID           int64 `bun:"id,pk,autoincrement"`
	AllocationID int64 `bun:"allocation_id,unique,notnull"`

	AvgCPUUsage float64 `bun:"avg_cpu_usage,notnull"`
	MaxCPUUsage int64   `bun:"max_cpu_usage,notnull"`
	AvgCPUTemp  float64 `bun:"avg_cpu_temp,notnull"`
	MaxCPUTemp  int64   `bun:"max_cpu_temp,notnull"`

	AvgGPUUsage float64 `bun:"avg_gpu_usage,notnull"`
	MaxGPUUsage int64   `bun:"max_gpu_usage,notnull"`
	AvgGPUTemp  float64 `bun:"avg_gpu_temp,notnull"`
	MaxGPUTemp  int64   `bun:"max_gpu_temp,notnull"`

	AvgRAMUsage float64 `bun:"avg_ram_usage,notnull"`
	MaxRAMUsage int64   `bun:"max_ram_usage,notnull"`

	AvgDiskUsage     *float64 `bun:"avg_disk_usage"`
	MaxDiskUsage     *int64   `bun:"max_disk_usage"`
	AvgDownloadUsage *float64 `bun:"avg_download_usage"`
	MaxDownloadUsage *int64   `bun:"max_download_usage"`
	AvgUploadUsage   *float64 `bun:"avg_upload_usage"`
	MaxUploadUsage   *int64   `bun:"max_upload_usage"`
	AvgMoboTemp      *float64 `bun:"avg_mobo_temp"`
	MaxMoboTemp      *int64   `bun:"max_mobo_temp"`

	SessionDurationMinutes int64 `bun:"session_duration_minutes,notnull"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`

	// Relations
	Allocation *Allocation `bun:"rel:belongs-to,join:allocation_id=id"`
}

// ToModel converts database AllocationMetric to domain model
func (am *AllocationMetric) ToModel() *models.AllocationMetric {
	return &models.AllocationMetric{
		ID:                     am.ID,
		AllocationID:           am.AllocationID,
		AvgCPUUsage:            am.AvgCPUUsage,
		MaxCPUUsage:            am.MaxCPUUsage,
		AvgCPUTemp:             am.AvgCPUTemp,
		MaxCPUTemp:             am.MaxCPUTemp,
		AvgGPUUsage:            am.AvgGPUUsage,
		MaxGPUUsage:            am.MaxGPUUsage,
		AvgGPUTemp:             am.AvgGPUTemp,
		MaxGPUTemp:             am.MaxGPUTemp,
		AvgRAMUsage:            am.AvgRAMUsage,
		MaxRAMUsage:            am.MaxRAMUsage,
		AvgDiskUsage:           am.AvgDiskUsage,
		MaxDiskUsage:           am.MaxDiskUsage,
		AvgDownloadUsage:       am.AvgDownloadUsage,
		MaxDownloadUsage:       am.MaxDownloadUsage,
		AvgUploadUsage:         am.AvgUploadUsage,
		MaxUploadUsage:         am.MaxUploadUsage,
		AvgMoboTemp:            am.AvgMoboTemp,
		MaxMoboTemp:            am.MaxMoboTemp,
		SessionDurationMinutes: am.SessionDurationMinutes,
		CreatedAt:              am.CreatedAt,
	}
}

// AllocationMetricFromModel converts domain model to database AllocationMetric
func AllocationMetricFromModel(m *models.AllocationMetric) *AllocationMetric {
	return &AllocationMetric{
		ID:                     m.ID,
		AllocationID:           m.AllocationID,
		AvgCPUUsage:            m.AvgCPUUsage,
		MaxCPUUsage:            m.MaxCPUUsage,
		AvgCPUTemp:             m.AvgCPUTemp,
		MaxCPUTemp:             m.MaxCPUTemp,
		AvgGPUUsage:            m.AvgGPUUsage,
		MaxGPUUsage:            m.MaxGPUUsage,
		AvgGPUTemp:             m.AvgGPUTemp,
		MaxGPUTemp:             m.MaxGPUTemp,
		AvgRAMUsage:            m.AvgRAMUsage,
		MaxRAMUsage:            m.MaxRAMUsage,
		AvgDiskUsage:           m.AvgDiskUsage,
		MaxDiskUsage:           m.MaxDiskUsage,
		AvgDownloadUsage:       m.AvgDownloadUsage,
		MaxDownloadUsage:       m.MaxDownloadUsage,
		AvgUploadUsage:         m.AvgUploadUsage,
		MaxUploadUsage:         m.MaxUploadUsage,
		AvgMoboTemp:            m.AvgMoboTemp,
		MaxMoboTemp:            m.MaxMoboTemp,
		SessionDurationMinutes: m.SessionDurationMinutes,
		CreatedAt:              m.CreatedAt,
	}
}
