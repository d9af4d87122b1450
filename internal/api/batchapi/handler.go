// Package batchapi: JSON API для пакетных команд оператора и просмотра заказов.
package batchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/OrderSync/internal/areas"
	"github.com/BearBump/OrderSync/internal/models"
	"github.com/BearBump/OrderSync/internal/services/engine"
	"github.com/BearBump/OrderSync/internal/storage/pgorders"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxBatchSize: сколько номеров принимается в одной команде.
const MaxBatchSize = 500

const actorHeader = "X-Actor"

type BatchProcessor interface {
	ProcessBatch(ctx context.Context, cmd engine.Command) (engine.BatchReport, error)
}

type OrderFinder interface {
	FindOrder(ctx context.Context, ref string) (*models.Order, error)
}

type Classifier interface {
	Classify(address string) areas.Result
}

type Handler struct {
	engine     BatchProcessor
	orders     OrderFinder
	classifier Classifier
	log        *zap.Logger
}

func New(eng BatchProcessor, orders OrderFinder, classifier Classifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if classifier == nil {
		classifier = areas.Default()
	}
	return &Handler{
		engine:     eng,
		orders:     orders,
		classifier: classifier,
		log:        log.With(zap.String("component", "batchapi")),
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", h.SubmitBatch)
		r.Get("/orders/{trackingNumber}", h.GetOrder)
		r.Get("/areas/classify", h.ClassifyArea)
	})
}

type batchRequest struct {
	StatusCode      string            `json:"statusCode" validate:"required,len=2,alphanum"`
	TrackingNumbers string            `json:"trackingNumbers" validate:"required"`
	ContextFields   map[string]string `json:"contextFields"`
	Actor           string            `json:"actor" validate:"max=128"`
}

func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	code, err := engine.ParseCode(req.StatusCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = strings.TrimSpace(r.Header.Get(actorHeader))
	}
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	tns := engine.ParseTrackingNumbers(req.TrackingNumbers)
	if len(tns) == 0 {
		writeError(w, http.StatusBadRequest, "trackingNumbers has no entries")
		return
	}
	if len(tns) > MaxBatchSize {
		writeError(w, http.StatusBadRequest, "too many tracking numbers in one batch")
		return
	}

	report, err := h.engine.ProcessBatch(r.Context(), engine.Command{
		Code:            code,
		TrackingNumbers: tns,
		Fields:          req.ContextFields,
		Actor:           actor,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownCode) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("process batch", zap.String("code", string(code)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.log.Info("batch processed",
		zap.String("code", string(code)),
		zap.String("actor", actor),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
	)
	writeJSON(w, http.StatusOK, report)
}

type historyResponse struct {
	Seq         int       `json:"seq"`
	StatusLabel string    `json:"statusLabel"`
	At          time.Time `json:"at"`
	Actor       string    `json:"actor"`
	Assignee    string    `json:"assignee,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Location    string    `json:"location,omitempty"`
	Code        string    `json:"code,omitempty"`
}

type orderResponse struct {
	ID             uuid.UUID         `json:"id"`
	TrackingNumber string            `json:"trackingNumber,omitempty"`
	CarrierJobID   string            `json:"carrierJobId"`
	Product        string            `json:"product"`
	JobType        string            `json:"jobType"`
	JobMethod      string            `json:"jobMethod"`
	CurrentStatus  string            `json:"currentStatus"`
	Area           string            `json:"area"`
	Locality       string            `json:"locality"`
	AssignedTo     string            `json:"assignedTo,omitempty"`
	JobDate        *time.Time        `json:"jobDate,omitempty"`
	WarehouseEntry bool              `json:"warehouseEntry"`
	Attempt        int               `json:"attempt"`
	LatestReason   string            `json:"latestReason,omitempty"`
	CustomerName   string            `json:"customerName,omitempty"`
	CustomerPhone  string            `json:"customerPhone,omitempty"`
	Address        string            `json:"address,omitempty"`
	Weight         decimal.Decimal   `json:"weight"`
	TotalPrice     decimal.Decimal   `json:"totalPrice"`
	CreationDate   time.Time         `json:"creationDate"`
	LastUpdateAt   time.Time         `json:"lastUpdateAt"`
	LastUpdatedBy  string            `json:"lastUpdatedBy,omitempty"`
	History        []historyResponse `json:"history"`
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ref := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "trackingNumber")))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "trackingNumber is required")
		return
	}

	o, err := h.orders.FindOrder(r.Context(), ref)
	if err != nil {
		if errors.Is(err, pgorders.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.log.Error("find order", zap.String("ref", ref), zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) ClassifyArea(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	writeJSON(w, http.StatusOK, h.classifier.Classify(address))
}

func toOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		CarrierJobID:   o.CarrierJobID,
		Product:        string(o.Product),
		JobType:        string(o.JobType),
		JobMethod:      string(o.JobMethod),
		CurrentStatus:  string(o.CurrentStatus),
		Area:           o.Area,
		Locality:       o.Locality,
		AssignedTo:     o.AssignedTo,
		JobDate:        o.JobDate,
		WarehouseEntry: o.WarehouseEntry,
		Attempt:        o.Attempt,
		LatestReason:   o.LatestReason,
		CustomerName:   o.CustomerName,
		CustomerPhone:  o.CustomerPhone,
		Address:        o.Address,
		Weight:         o.Weight,
		TotalPrice:     o.TotalPrice,
		CreationDate:   o.CreationDate,
		LastUpdateAt:   o.LastUpdateAt,
		LastUpdatedBy:  o.LastUpdatedBy,
		History:        make([]historyResponse, 0, len(o.History)),
	}
	if o.TrackingNumber != nil {
		resp.TrackingNumber = *o.TrackingNumber
	}
	for _, e := range o.History {
		resp.History = append(resp.History, historyResponse{
			Seq:         e.Seq,
			StatusLabel: string(e.StatusLabel),
			At:          e.At,
			Actor:       e.Actor,
			Assignee:    e.Assignee,
			Reason:      e.Reason,
			Location:    e.Location,
			Code:        e.Code,
		})
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
