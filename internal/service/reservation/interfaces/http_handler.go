// internal/service/reservation/interfaces/http_handler.go
package interfaces

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"atelier/internal/pkg/logger"
	"atelier/internal/service/checkout"
	"atelier/internal/service/reservation/application"
	"atelier/internal/service/reservation/domain"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const serviceName = "reservation-service"

// ReservationHandler 封装了预留引擎的 HTTP 处理器。
type ReservationHandler struct {
	manager     *application.ReservationManager
	sweeper     *application.Sweeper
	coordinator *checkout.Coordinator
	// cleanupSecret 为空时清扫端点不鉴权
	cleanupSecret string
}

// NewReservationHandler 创建一个新的 HTTP 处理器实例。
func NewReservationHandler(manager *application.ReservationManager, sweeper *application.Sweeper, coordinator *checkout.Coordinator, cleanupSecret string) *ReservationHandler {
	return &ReservationHandler{
		manager:       manager,
		sweeper:       sweeper,
		coordinator:   coordinator,
		cleanupSecret: cleanupSecret,
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。
func (h *ReservationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stock", h.handleStockSnapshot)
	mux.HandleFunc("/checkout/reserve", h.handleReserve)
	mux.HandleFunc("/checkout/extend", h.handleExtend)
	mux.HandleFunc("/checkout/finalize", h.handleFinalize)
	mux.HandleFunc("/checkout/release", h.handleRelease)
	mux.HandleFunc("/checkout/session", h.handleSessionStatus)
	mux.HandleFunc("/checkout/abandon", h.handleAbandon)
	mux.HandleFunc("/internal/cleanup", h.handleCleanup)
}

// handleStockSnapshot 返回权威库存视图。
// 库存事件只是"该刷新了"的提示，浏览端靠这里拿真实数据。
func (h *ReservationHandler) handleStockSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	variantID := r.URL.Query().Get("variantId")
	if variantID == "" {
		http.Error(w, "variantId is required", http.StatusBadRequest)
		return
	}

	snap, err := h.manager.StockSnapshot(ctx, variantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type reserveRequest struct {
	VariantID    string `json:"variantId"`
	Quantity     int    `json:"quantity"`
	HolderID     string `json:"holderId"`
	SessionID    string `json:"sessionId,omitempty"`
	LeaseSeconds int    `json:"leaseSeconds,omitempty"`
}

func (h *ReservationHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Reserve")
	defer span.End()

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.manager.Reserve(ctx, application.ReserveCommand{
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		HolderID:  req.HolderID,
		Lease:     time.Duration(req.LeaseSeconds) * time.Second,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// 预留成功后建立结算会话，供倒计时查询与放弃信号使用
	if req.SessionID != "" {
		if err := h.coordinator.StartSession(ctx, req.SessionID, req.HolderID, res.ExpiresAt); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to bind checkout session")
		}
	}

	writeJSON(w, http.StatusCreated, application.ToView(res))
}

type reservationRequest struct {
	ReservationID string `json:"reservationId"`
	SessionID     string `json:"sessionId,omitempty"`
	LeaseSeconds  int    `json:"leaseSeconds,omitempty"`
}

func (h *ReservationHandler) handleExtend(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Extend")
	defer span.End()

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.manager.Extend(ctx, req.ReservationID, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.SessionID != "" {
		if err := h.coordinator.Touch(ctx, req.SessionID, res.ExpiresAt); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to touch checkout session after extend")
		}
	}
	writeJSON(w, http.StatusOK, application.ToView(res))
}

func (h *ReservationHandler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Finalize")
	defer span.End()

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.manager.Finalize(ctx, req.ReservationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToView(res))
}

func (h *ReservationHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Release")
	defer span.End()

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	released, err := h.manager.Release(ctx, req.ReservationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"released": released,
	})
}

func (h *ReservationHandler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	status, err := h.coordinator.Status(ctx, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type abandonRequest struct {
	SessionID string `json:"sessionId"`
}

// handleAbandon 是"页面卸载通知"的接收端：尽力而为、可重放。
// 同一会话收到零次或多次信号都必须无害——真正的兜底是 Sweeper。
func (h *ReservationHandler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Abandon")
	defer span.End()

	var req abandonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	released, err := h.coordinator.Abandon(ctx, req.SessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"released": released,
	})
}

// handleCleanup 是定时调度器（或人工）触发的清扫端点。
func (h *ReservationHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.Cleanup")
	defer span.End()

	if h.cleanupSecret != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cleanupSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"error":   domain.ErrUnauthorized.Error(),
			})
			return
		}
	}

	released, err := h.sweeper.RunPass(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("cleanup pass failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"releasedCount": released,
		"message":       "expired reservations released",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func extractTraceContext(r *http.Request) context.Context {
	propagator := otel.GetTextMapPropagator()
	return propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDomainError 根据领域错误类型返回不同的 HTTP 状态码。
func writeDomainError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrVariantNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrInsufficientStock):
		statusCode = http.StatusConflict
	case errors.Is(err, domain.ErrReservationAlreadyFinalized):
		statusCode = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRequest):
		statusCode = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnauthorized):
		statusCode = http.StatusUnauthorized
	default:
		statusCode = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), statusCode)
}
