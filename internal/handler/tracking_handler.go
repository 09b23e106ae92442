package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/watertrack/internal/model"
	"github.com/hitoshi/watertrack/internal/tracking"
)

// TrackingServiceInterface は記録ハンドラーが必要とするサービスインターフェース。
// すべての操作は認証済みユーザーを所有者として実行される。
type TrackingServiceInterface interface {
	Create(ctx context.Context, ownerID string, in tracking.RecordInput) (*model.WaterRecord, error)
	GetByDay(ctx context.Context, ownerID, day string) (*tracking.DayResult, error)
	GetByMonth(ctx context.Context, ownerID, month string) ([]*model.WaterRecord, error)
	GetMonthlyStats(ctx context.Context, ownerID, month string) (*model.MonthlyStats, error)
	Update(ctx context.Context, ownerID, id string, in tracking.RecordInput) (*model.WaterRecord, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// TrackingHandler は水分摂取記録のHTTPハンドラー。
type TrackingHandler struct {
	service TrackingServiceInterface
}

// NewTrackingHandler はTrackingHandlerを生成する。
func NewTrackingHandler(service TrackingServiceInterface) *TrackingHandler {
	return &TrackingHandler{service: service}
}

type recordRequest struct {
	Time   *string `json:"time"`
	Amount int     `json:"amount"`
}

// recordResponse は記録のレスポンス。所有者IDは含めない。
type recordResponse struct {
	ID     string `json:"id"`
	Time   string `json:"time"`
	Amount int    `json:"amount"`
}

type dayResponse struct {
	Data        []recordResponse `json:"data"`
	WaterAmount int              `json:"waterAmount"`
}

type dailyStatResponse struct {
	Date         string `json:"date"`
	TotalAmount  int    `json:"totalAmount"`
	RecordsCount int    `json:"recordsCount"`
}

type monthlyStatsResponse struct {
	DailyStats   []dailyStatResponse `json:"dailyStats"`
	TotalAmount  int                 `json:"totalAmount"`
	TotalRecords int                 `json:"totalRecords"`
	DaysTracked  int                 `json:"daysTracked"`
}

func toRecordResponse(r *model.WaterRecord) recordResponse {
	return recordResponse{ID: r.ID, Time: r.Time, Amount: r.Amount}
}

func toRecordResponses(records []*model.WaterRecord) []recordResponse {
	out := make([]recordResponse, len(records))
	for i, r := range records {
		out[i] = toRecordResponse(r)
	}
	return out
}

// Create は記録の作成を処理する。
// POST /track
func (h *TrackingHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req recordRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	record, err := h.service.Create(r.Context(), userID, tracking.RecordInput{Time: req.Time, Amount: req.Amount})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRecordResponse(record))
}

// Day は指定日の記録と合計量を返す。
// GET /track/day?date=YYYY-MM-DD
func (h *TrackingHandler) Day(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.service.GetByDay(r.Context(), userID, r.URL.Query().Get("date"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dayResponse{
		Data:        toRecordResponses(result.Records),
		WaterAmount: result.WaterAmount,
	})
}

// Month は指定月の記録を返す。
// GET /track/month?month=YYYY-MM
func (h *TrackingHandler) Month(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	records, err := h.service.GetByMonth(r.Context(), userID, r.URL.Query().Get("month"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toRecordResponses(records))
}

// MonthStats は指定月の日別集計を返す。
// GET /track/month/stats?month=YYYY-MM
func (h *TrackingHandler) MonthStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.GetMonthlyStats(r.Context(), userID, r.URL.Query().Get("month"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := monthlyStatsResponse{
		DailyStats:   make([]dailyStatResponse, len(stats.DailyStats)),
		TotalAmount:  stats.TotalAmount,
		TotalRecords: stats.TotalRecords,
		DaysTracked:  stats.DaysTracked,
	}
	for i, d := range stats.DailyStats {
		resp.DailyStats[i] = dailyStatResponse{Date: d.Date, TotalAmount: d.TotalAmount, RecordsCount: d.RecordsCount}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update は記録の更新を処理する。
// PUT /track/{id}
func (h *TrackingHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req recordRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	record, err := h.service.Update(r.Context(), userID, chi.URLParam(r, "id"), tracking.RecordInput{Time: req.Time, Amount: req.Amount})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toRecordResponse(record))
}

// Delete は記録の削除を処理する。
// DELETE /track/{id}
func (h *TrackingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Water record deleted successfully"})
}
