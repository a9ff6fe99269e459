// Package numerator provides document auto-numbering.
// Numbers are issued from a per-tenant database sequence row using
// UPDATE ... RETURNING, so they are sequential without gaps.
package numerator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"stockcore/internal/core/id"
)

// Querier interface for database operations.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds numbering configuration.
type Config struct {
	// PadWidth is the minimum number width (default 5)
	PadWidth int

	// IncludeYear adds the year to the number and resets the sequence
	// yearly
	IncludeYear bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PadWidth:    5,
		IncludeYear: true,
	}
}

// Service issues document numbers. Pattern: PREFIX-YEAR-XXXXX
// (e.g. ADJ-2024-00001).
type Service struct {
	querier Querier
	cfg     Config
}

// New creates a numerator service.
func New(querier Querier, cfg Config) *Service {
	if cfg.PadWidth <= 0 {
		cfg.PadWidth = 5
	}
	return &Service{querier: querier, cfg: cfg}
}

// NextNumber generates the next number for a tenant and prefix.
// Each call performs one atomic UPSERT + RETURNING; concurrent callers
// never observe the same number.
func (s *Service) NextNumber(ctx context.Context, tenantID id.ID, prefix string) (string, error) {
	now := time.Now().UTC()
	key := s.buildKey(tenantID, prefix, now)

	var num int64
	err := s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + 1
		RETURNING current_val
	`, key).Scan(&num)
	if err != nil {
		return "", fmt.Errorf("next number for %s: %w", key, err)
	}

	return s.formatNumber(prefix, now, num), nil
}

// SetNextNumber positions the sequence (for migration purposes). The
// next issued number will be value+1.
func (s *Service) SetNextNumber(ctx context.Context, tenantID id.ID, prefix string, value int64) error {
	key := s.buildKey(tenantID, prefix, time.Now().UTC())

	var result int64
	err := s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET current_val = $2
		RETURNING current_val
	`, key, value).Scan(&result)
	if err != nil {
		return fmt.Errorf("set next number for %s: %w", key, err)
	}
	return nil
}

// buildKey creates the tenant-scoped sequence key.
func (s *Service) buildKey(tenantID id.ID, prefix string, period time.Time) string {
	if s.cfg.IncludeYear {
		return fmt.Sprintf("%s:%s_%s", tenantID, prefix, period.Format("2006"))
	}
	return fmt.Sprintf("%s:%s", tenantID, prefix)
}

// formatNumber creates the final number string.
func (s *Service) formatNumber(prefix string, period time.Time, num int64) string {
	if s.cfg.IncludeYear {
		return fmt.Sprintf("%s-%s-%0*d", prefix, period.Format("2006"), s.cfg.PadWidth, num)
	}
	return fmt.Sprintf("%s-%0*d", prefix, s.cfg.PadWidth, num)
}

// ParseNumber extracts the numeric part from a formatted number.
// Returns -1 if parsing fails.
func ParseNumber(formatted string) int64 {
	idx := strings.LastIndex(formatted, "-")
	if idx < 0 || idx == len(formatted)-1 {
		return -1
	}
	num, err := strconv.ParseInt(formatted[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return num
}
