package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hl-unit-keeper/internal/batch"
	"hl-unit-keeper/internal/exec"
	"hl-unit-keeper/internal/registry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Manager is the batch-level surface the API drives.
type Manager interface {
	Batches() []registry.Batch
	CreateBatch(ctx context.Context, name, account1ID, account2ID string) (registry.Batch, error)
	CloseBatch(ctx context.Context, id string) error
	Status(id string) (batch.Status, error)
	CreateUnit(id, asset string, size, leverage float64) error
	CloseUnit(id, asset string) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Manager Manager
	Log     *zap.Logger
}

func NewHandler(m Manager, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Manager: m, Log: log}
}

type batchResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Account1ID string    `json:"account_1_id"`
	Account2ID string    `json:"account_2_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type balanceResponse struct {
	AccountID string   `json:"account_id"`
	Address   string   `json:"address"`
	Value     *float64 `json:"value"`
}

type positionResponse struct {
	Size             float64 `json:"size"`
	PositionValue    float64 `json:"position_value"`
	LiquidationPrice float64 `json:"liquidation_px"`
	Leverage         float64 `json:"leverage"`
	LeverageType     string  `json:"leverage_type"`
}

type orderResponse struct {
	OrderID      int64   `json:"oid"`
	Side         string  `json:"side"`
	Size         float64 `json:"size"`
	OriginalSize float64 `json:"orig_size"`
	LimitPrice   float64 `json:"limit_px"`
}

type sideResponse struct {
	Address  string            `json:"address"`
	Position *positionResponse `json:"position"`
	Orders   []orderResponse   `json:"orders"`
}

type unitResponse struct {
	Asset      string         `json:"asset"`
	Size       float64        `json:"size"`
	Leverage   float64        `json:"leverage"`
	CreatedAt  time.Time      `json:"created_at"`
	AgeSeconds float64        `json:"age_seconds"`
	State      string         `json:"state"`
	Sides      []sideResponse `json:"sides"`
}

type statusResponse struct {
	batchResponse
	Loaded   bool              `json:"loaded"`
	Balances []balanceResponse `json:"balances"`
	Units    []unitResponse    `json:"units"`
	Actions  map[string]string `json:"actions"`
}

// ListBatches returns every known batch.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches := h.Manager.Batches()
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateBatch pairs two accounts into a new batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Account1ID string `json:"account_1_id"`
		Account2ID string `json:"account_2_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Account1ID) == "" || strings.TrimSpace(req.Account2ID) == "" {
		writeError(w, http.StatusBadRequest, "account_1_id and account_2_id are required")
		return
	}
	b, err := h.Manager.CreateBatch(r.Context(), req.Name, req.Account1ID, req.Account2ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(b))
}

// GetBatch returns the loaded flag, balances and derived units of a batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	st, err := h.Manager.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

// CloseBatch removes a batch with no open units.
func (h *Handler) CloseBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.CloseBatch(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateUnit dispatches a unit creation; the unit shows up once the feed
// reports the new positions.
func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset    string  `json:"asset"`
		Size     float64 `json:"size"`
		Leverage float64 `json:"leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Manager.CreateUnit(chi.URLParam(r, "id"), strings.ToUpper(strings.TrimSpace(req.Asset)), req.Size, req.Leverage); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CloseUnit dispatches closing of every position and order on an asset.
func (h *Handler) CloseUnit(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.CloseUnit(chi.URLParam(r, "id"), chi.URLParam(r, "asset")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Warn("api request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownBatch):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrSameAccount),
		errors.Is(err, registry.ErrUnknownAccount),
		errors.Is(err, exec.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrUnitsOpen),
		errors.Is(err, batch.ErrNotLoaded),
		errors.Is(err, exec.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func toBatchResponse(b registry.Batch) batchResponse {
	return batchResponse{
		ID:         b.ID,
		Name:       b.Name,
		Account1ID: b.Account1ID,
		Account2ID: b.Account2ID,
		CreatedAt:  b.CreatedAt,
	}
}

func toStatusResponse(st batch.Status) statusResponse {
	out := statusResponse{
		batchResponse: toBatchResponse(st.Batch),
		Loaded:        st.Loaded,
		Balances:      make([]balanceResponse, 0, len(st.Balances)),
		Units:         make([]unitResponse, 0, len(st.Units)),
		Actions:       make(map[string]string, len(st.Actions)),
	}
	for asset, state := range st.Actions {
		out.Actions[asset] = string(state)
	}
	for _, b := range st.Balances {
		br := balanceResponse{AccountID: b.AccountID, Address: b.Address}
		if b.Known {
			v := b.Value
			br.Value = &v
		}
		out.Balances = append(out.Balances, br)
	}
	for _, u := range st.Units {
		ur := unitResponse{
			Asset:      u.Asset,
			Size:       u.Size,
			Leverage:   u.Leverage,
			CreatedAt:  u.CreatedAt,
			AgeSeconds: u.Age.Seconds(),
			State:      string(u.State),
			Sides:      make([]sideResponse, 0, len(u.Sides)),
		}
		for _, side := range u.Sides {
			sr := sideResponse{Address: side.Address, Orders: make([]orderResponse, 0, len(side.Orders))}
			if p := side.Position; p != nil {
				sr.Position = &positionResponse{
					Size:             p.Size,
					PositionValue:    p.PositionValue,
					LiquidationPrice: p.LiquidationPrice,
					Leverage:         p.Leverage.Value,
					LeverageType:     p.Leverage.Type,
				}
			}
			for _, o := range side.Orders {
				sr.Orders = append(sr.Orders, orderResponse{
					OrderID:      o.OrderID,
					Side:         o.Side,
					Size:         o.Size,
					OriginalSize: o.OriginalSize,
					LimitPrice:   o.LimitPrice,
				})
			}
			ur.Sides = append(ur.Sides, sr)
		}
		out.Units = append(out.Units, ur)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
