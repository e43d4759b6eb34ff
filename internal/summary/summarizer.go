package summary

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"labmanager/internal/database"
	"labmanager/pkg/models"
)

var (
	// ErrSummaryExists means the allocation was already summarized
	ErrSummaryExists = errors.New("summary already exists for allocation")

	// ErrNoTelemetry means no samples were recorded for the allocation
	ErrNoTelemetry = errors.New("no telemetry recorded for allocation")
)

// Summarizer condenses an allocation's raw telemetry into one
// AllocationMetric row. Exactly one summary per allocation.
type Summarizer struct {
	db *database.BunDB
}

// New creates a summarizer backed by the given database
func New(db *database.BunDB) *Summarizer {
	return &Summarizer{db: db}
}

// Summarize computes and stores the metrics for an allocation. Fails
// with ErrSummaryExists when already done and ErrNoTelemetry when the
// session produced no samples.
func (s *Summarizer) Summarize(ctx context.Context, allocation *models.Allocation) (*models.AllocationMetric, error) {
	exists, err := s.db.Metrics.ExistsForAllocation(ctx, allocation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing summary: %w", err)
	}
	if exists {
		return nil, ErrSummaryExists
	}

	samples, err := s.db.Telemetries.ListByAllocation(ctx, allocation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load telemetry: %w", err)
	}
	if len(samples) == 0 {
		return nil, ErrNoTelemetry
	}

	metric := Compute(allocation, samples)
	if err := s.db.Metrics.Create(ctx, metric); err != nil {
		return nil, fmt.Errorf("failed to store summary: %w", err)
	}

	log.Info().
		Int64("allocation_id", allocation.ID).
		Int("samples", len(samples)).
		Msg("Allocation summarized")
	return metric, nil
}

// Compute aggregates samples into a metric without touching storage.
// Required dimensions average over every sample; optional dimensions
// average over only the samples that reported them, and stay nil when
// none did.
func Compute(allocation *models.Allocation, samples []*models.TelemetrySample) *models.AllocationMetric {
	metric := &models.AllocationMetric{
		AllocationID: allocation.ID,
	}

	metric.AvgCPUUsage, metric.MaxCPUUsage = aggregate(samples, func(s *models.TelemetrySample) int64 { return s.CPUUsage })
	metric.AvgCPUTemp, metric.MaxCPUTemp = aggregate(samples, func(s *models.TelemetrySample) int64 { return s.CPUTemp })
	metric.AvgGPUUsage, metric.MaxGPUUsage = aggregate(samples, func(s *models.TelemetrySample) int64 { return s.GPUUsage })
	metric.AvgGPUTemp, metric.MaxGPUTemp = aggregate(samples, func(s *models.TelemetrySample) int64 { return s.GPUTemp })
	metric.AvgRAMUsage, metric.MaxRAMUsage = aggregate(samples, func(s *models.TelemetrySample) int64 { return s.RAMUsage })

	metric.AvgDiskUsage, metric.MaxDiskUsage = aggregateOptional(samples, func(s *models.TelemetrySample) *int64 { return s.DiskUsage })
	metric.AvgDownloadUsage, metric.MaxDownloadUsage = aggregateOptional(samples, func(s *models.TelemetrySample) *int64 { return s.DownloadUsage })
	metric.AvgUploadUsage, metric.MaxUploadUsage = aggregateOptional(samples, func(s *models.TelemetrySample) *int64 { return s.UploadUsage })
	metric.AvgMoboTemp, metric.MaxMoboTemp = aggregateOptional(samples, func(s *models.TelemetrySample) *int64 { return s.MoboTemperature })

	metric.SessionDurationMinutes = int64(math.Round(allocation.EndTime.Sub(allocation.StartTime).Minutes()))
	return metric
}

func aggregate(samples []*models.TelemetrySample, dim func(*models.TelemetrySample) int64) (avg float64, max int64) {
	var sum int64
	for _, s := range samples {
		v := dim(s)
		sum += v
		if v > max {
			max = v
		}
	}
	return float64(sum) / float64(len(samples)), max
}

func aggregateOptional(samples []*models.TelemetrySample, dim func(*models.TelemetrySample) *int64) (*float64, *int64) {
	var sum, max int64
	var count int
	for _, s := range samples {
		v := dim(s)
		if v == nil {
			continue
		}
		sum += *v
		if *v > max {
			max = *v
		}
		count++
	}
	if count == 0 {
		return nil, nil
	}
	avg := float64(sum) / float64(count)
	return &avg, &max
}
