// Package tracking は水分摂取記録の作成・参照・更新・削除と月次集計を提供する。
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/watertrack/internal/events"
	"github.com/hitoshi/watertrack/internal/metrics"
	"github.com/hitoshi/watertrack/internal/model"
	"github.com/hitoshi/watertrack/internal/repository"
)

// Deps はServiceの依存関係。Records以外は省略可能。
type Deps struct {
	Records   repository.WaterRecordRepository
	Publisher events.Publisher
	Metrics   metrics.MetricsCollector
	Location  *time.Location
	Now       func() time.Time
}

// Service は記録に関するビジネスロジックを提供する。
type Service struct {
	records   repository.WaterRecordRepository
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	loc       *time.Location
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps Deps) *Service {
	s := &Service{
		records:   deps.Records,
		publisher: deps.Publisher,
		metrics:   metrics.OrNop(deps.Metrics),
		loc:       deps.Location,
		now:       deps.Now,
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RecordInput は記録の作成・更新の入力。Timeがnilの場合、作成時は現在時刻、更新時は既存の時刻を使う。
type RecordInput struct {
	Time   *string
	Amount int
}

// DayResult は1日分の記録とその合計量。
type DayResult struct {
	Records     []*model.WaterRecord
	WaterAmount int
}

// Create は記録を作成する。
func (s *Service) Create(ctx context.Context, ownerID string, in RecordInput) (*model.WaterRecord, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}

	recordTime := model.FormatRecordTime(s.now().In(s.loc))
	if in.Time != nil {
		if err := parseLayout(*in.Time, model.RecordTimeLayout); err != nil {
			return nil, err
		}
		recordTime = *in.Time
	}

	record := &model.WaterRecord{
		ID:      uuid.NewString(),
		Time:    recordTime,
		Amount:  in.Amount,
		OwnerID: ownerID,
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("記録の作成に失敗しました: %w", err)
	}

	s.metrics.RecordWaterRecordOperation("create")
	s.metrics.RecordWaterAmount(record.Amount)
	s.emit(ctx, events.TypeWaterRecordCreated, record)
	return record, nil
}

// GetByDay は指定日（YYYY-MM-DD、省略時は今日）の記録と合計量を返す。
func (s *Service) GetByDay(ctx context.Context, ownerID string, day string) (*DayResult, error) {
	if day == "" {
		day = s.now().In(s.loc).Format(model.DayLayout)
	} else if err := parseLayout(day, model.DayLayout); err != nil {
		return nil, err
	}

	records, err := s.records.ListByTimePrefix(ctx, ownerID, day)
	if err != nil {
		return nil, fmt.Errorf("記録の取得に失敗しました: %w", err)
	}

	result := &DayResult{Records: records}
	for _, r := range records {
		result.WaterAmount += r.Amount
	}
	return result, nil
}

// GetByMonth は指定月（YYYY-MM、省略時は今月）の記録を時刻昇順で返す。
func (s *Service) GetByMonth(ctx context.Context, ownerID string, month string) ([]*model.WaterRecord, error) {
	month, err := s.resolveMonth(month)
	if err != nil {
		return nil, err
	}

	records, err := s.records.ListByTimePrefix(ctx, ownerID, month)
	if err != nil {
		return nil, fmt.Errorf("記録の取得に失敗しました: %w", err)
	}
	return records, nil
}

// GetMonthlyStats は指定月の記録を日ごとに集計する。
// 合計量は日ごとの合計の和と等しく、DaysTrackedは記録のある日数と等しい。
func (s *Service) GetMonthlyStats(ctx context.Context, ownerID string, month string) (*model.MonthlyStats, error) {
	records, err := s.GetByMonth(ctx, ownerID, month)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*model.DailyStat)
	for _, r := range records {
		day := r.Day()
		stat, ok := byDay[day]
		if !ok {
			stat = &model.DailyStat{Date: day}
			byDay[day] = stat
		}
		stat.TotalAmount += r.Amount
		stat.RecordsCount++
	}

	stats := &model.MonthlyStats{DailyStats: make([]model.DailyStat, 0, len(byDay))}
	for _, stat := range byDay {
		stats.DailyStats = append(stats.DailyStats, *stat)
		stats.TotalAmount += stat.TotalAmount
		stats.TotalRecords += stat.RecordsCount
	}
	sort.Slice(stats.DailyStats, func(i, j int) bool {
		return stats.DailyStats[i].Date < stats.DailyStats[j].Date
	})
	stats.DaysTracked = len(stats.DailyStats)
	return stats, nil
}

// Update は所有者の記録の量と時刻を更新する。時刻を省略した場合は既存の時刻を維持する。
func (s *Service) Update(ctx context.Context, ownerID, id string, in RecordInput) (*model.WaterRecord, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if in.Time != nil {
		if err := parseLayout(*in.Time, model.RecordTimeLayout); err != nil {
			return nil, err
		}
	}

	existing, err := s.find(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	updated := &model.WaterRecord{
		ID:      existing.ID,
		Time:    existing.Time,
		Amount:  in.Amount,
		OwnerID: ownerID,
	}
	if in.Time != nil {
		updated.Time = *in.Time
	}

	if err := s.records.Update(ctx, updated); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewRecordNotFoundError(id)
		}
		return nil, fmt.Errorf("記録の更新に失敗しました: %w", err)
	}

	s.metrics.RecordWaterRecordOperation("update")
	s.emit(ctx, events.TypeWaterRecordUpdated, updated)
	return updated, nil
}

// Delete は所有者の記録を削除する。
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewRecordNotFoundError(id)
	}

	if err := s.records.Delete(ctx, ownerID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewRecordNotFoundError(id)
		}
		return fmt.Errorf("記録の削除に失敗しました: %w", err)
	}

	s.metrics.RecordWaterRecordOperation("delete")
	s.emit(ctx, events.TypeWaterRecordDeleted, &model.WaterRecord{ID: id, OwnerID: ownerID})
	return nil
}

// find は所有者の記録を取得する。UUIDでないIDは存在しない記録として扱う。
func (s *Service) find(ctx context.Context, ownerID, id string) (*model.WaterRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewRecordNotFoundError(id)
	}
	record, err := s.records.FindByID(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("記録の取得に失敗しました: %w", err)
	}
	if record == nil {
		return nil, model.NewRecordNotFoundError(id)
	}
	return record, nil
}

func (s *Service) resolveMonth(month string) (string, error) {
	if month == "" {
		return s.now().In(s.loc).Format(model.MonthLayout), nil
	}
	if err := parseLayout(month, model.MonthLayout); err != nil {
		return "", err
	}
	return month, nil
}

func (s *Service) emit(ctx context.Context, eventType string, record *model.WaterRecord) {
	data := map[string]any{"recordId": record.ID}
	if record.Time != "" {
		data["time"] = record.Time
		data["amount"] = record.Amount
	}
	events.Emit(ctx, s.publisher, events.Event{
		Type:   eventType,
		UserID: record.OwnerID,
		Data:   data,
	})
	slog.Debug("water record event", slog.String("type", eventType), slog.String("record_id", record.ID))
}

// layoutNames は形式エラーでユーザーに示す表記。
var layoutNames = map[string]string{
	model.RecordTimeLayout: "YYYY-MM-DD HH:MM:SS",
	model.DayLayout:        "YYYY-MM-DD",
	model.MonthLayout:      "YYYY-MM",
}

func validateAmount(amount int) error {
	if amount <= 0 {
		return model.NewValidationError("amount must be a positive integer")
	}
	return nil
}

// parseLayout は値がlayoutの形式と完全に一致することを検証する。
// time.Parseは1桁の時・分を受け付けるため、整形し直した結果と比較する。
func parseLayout(value, layout string) error {
	t, err := time.Parse(layout, value)
	if err != nil || t.Format(layout) != value {
		return model.NewInvalidDateError(value, layoutNames[layout])
	}
	return nil
}
