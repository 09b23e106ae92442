// Package model はドメインモデルを定義する。
package model

import "time"

// 記録時刻・日付・月の文字列フォーマット。
const (
	RecordTimeLayout = "2006-01-02 15:04:05"
	DayLayout        = "2006-01-02"
	MonthLayout      = "2006-01"
)

// WaterRecord は1回分の水分摂取記録を表す。
// Timeは"YYYY-MM-DD HH:MM:SS"形式の文字列で保持し、日・月の絞り込みは前方一致で行う。
type WaterRecord struct {
	ID      string
	Time    string
	Amount  int
	OwnerID string
}

// Day は記録時刻の日付部分（YYYY-MM-DD）を返す。
func (r *WaterRecord) Day() string {
	if len(r.Time) < len(DayLayout) {
		return r.Time
	}
	return r.Time[:len(DayLayout)]
}

// FormatRecordTime は時刻を記録時刻フォーマットに変換する（秒単位）。
func FormatRecordTime(t time.Time) string {
	return t.Format(RecordTimeLayout)
}

// DailyStat は1日分の集計結果を表す。
type DailyStat struct {
	Date         string
	TotalAmount  int
	RecordsCount int
}

// MonthlyStats は月次集計結果を表す。
type MonthlyStats struct {
	DailyStats   []DailyStat
	TotalAmount  int
	TotalRecords int
	DaysTracked  int
}
