package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfhound389/Regparkovka/api/internal/gates"
	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
)

const boardCacheKey = "board"

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	if h.Board != nil {
		if v, found := h.Board.Get(boardCacheKey); found {
			if board, ok := v.(boardResponse); ok {
				httpx.WriteJSON(w, http.StatusOK, board)
				return
			}
		}
	}

	board, err := h.buildBoard(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.Board != nil {
		ttl := h.BoardTTL
		if ttl <= 0 {
			ttl = 5 * time.Second
		}
		h.Board.Set(boardCacheKey, board, ttl)
	}
	httpx.WriteJSON(w, http.StatusOK, board)
}

func (h *Handler) buildBoard(r *http.Request) (boardResponse, error) {
	ctx := r.Context()
	occupancies, err := h.Parkings.ActiveOccupancies(ctx)
	if err != nil {
		return boardResponse{}, err
	}
	offered, err := h.Parkings.OfferedSpots(ctx)
	if err != nil {
		return boardResponse{}, err
	}
	depth, err := h.Queue.Depth(ctx)
	if err != nil {
		return boardResponse{}, err
	}
	counts, err := h.Tasks.CountByStatus(ctx)
	if err != nil {
		return boardResponse{}, err
	}

	capacity := h.Parkings.Capacity()
	bySpot := make(map[int]models.Parking, len(occupancies))
	for _, p := range occupancies {
		bySpot[p.SpotNumber] = p
	}
	offeredSet := make(map[int]bool, len(offered))
	for _, spot := range offered {
		offeredSet[spot] = true
	}

	spots := make([]boardSpot, 0, capacity)
	for n := 1; n <= capacity; n++ {
		spot := boardSpot{SpotNumber: n, Status: "free"}
		if p, ok := bySpot[n]; ok {
			arrivedAt := p.ArrivedAt
			spot.Status = "occupied"
			spot.DriverID = p.DriverID.String()
			spot.VehicleClass = p.VehicleClass
			spot.ArrivedAt = &arrivedAt
		} else if offeredSet[n] {
			spot.Status = "offered"
		}
		spots = append(spots, spot)
	}

	return boardResponse{
		Capacity:    capacity,
		Occupied:    len(occupancies),
		Free:        capacity - len(occupancies),
		QueueDepth:  depth,
		Tasks:       counts,
		Spots:       spots,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

type arriveRequest struct {
	VehicleClass string `json:"vehicle_class"`
}

func (h *Handler) handleArrive(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	var req arriveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
	}
	req.VehicleClass = strings.TrimSpace(req.VehicleClass)
	if req.VehicleClass == "" {
		req.VehicleClass = models.VehicleClassNonHitch
	}
	if !models.ValidVehicleClass(req.VehicleClass) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "vehicle_class must be hitch or non_hitch", map[string]any{"reason": "invalid_vehicle_class"})
		return
	}

	result, err := h.Queue.Arrive(r.Context(), h.Outbox, actor.ID, req.VehicleClass)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if result.Parking != nil {
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{
			"status":  "parked",
			"parking": newParkingResponse(*result.Parking),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"entry":  newQueueEntryResponse(*result.Entry, result.Position),
	})
}

func (h *Handler) handleConfirmArrival(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	parking, entry, err := h.Queue.ConfirmArrival(r.Context(), h.Outbox, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "parked",
		"parking": newParkingResponse(parking),
		"entry":   newQueueEntryResponse(entry, 0),
	})
}

type departureRequest struct {
	Building   string `json:"building,omitempty"`
	GateNumber int    `json:"gate_number,omitempty"`
}

// departureTarget validates an optional building/gate pair. Both or neither.
func departureTarget(req departureRequest) (*string, *int, error) {
	building := gates.NormalizeBuilding(req.Building)
	if building == "" && req.GateNumber == 0 {
		return nil, nil, nil
	}
	if err := gates.Validate(building, req.GateNumber); err != nil {
		return nil, nil, err
	}
	gate := req.GateNumber
	return &building, &gate, nil
}

func (h *Handler) handleDepart(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	var req departureRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
	}
	building, gate, err := departureTarget(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	parking, promoted, err := h.Parkings.Release(r.Context(), h.Outbox, actor.ID, building, gate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{"parking": newParkingResponse(parking)}
	if promoted != nil {
		resp["promoted"] = newQueueEntryResponse(*promoted, 0)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReleaseSpot(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	spotRaw := strings.TrimSpace(r.PathValue("spot"))
	spot, err := strconv.Atoi(spotRaw)
	if err != nil || spot <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "spot must be a positive integer", nil)
		return
	}
	var req departureRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
	}
	building, gate, err := departureTarget(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	parking, promoted, err := h.Parkings.ReleaseSpot(r.Context(), h.Outbox, spot, building, gate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{"parking": newParkingResponse(parking)}
	if promoted != nil {
		resp["promoted"] = newQueueEntryResponse(*promoted, 0)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMyParking(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	parking, err := h.Parkings.ActiveByDriver(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"parking": newParkingResponse(parking),
	})
}

func (h *Handler) handleGetSpot(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin, models.RoleDebEmployee)
	if !ok {
		return
	}
	spotRaw := strings.TrimSpace(r.PathValue("spot"))
	spot, err := strconv.Atoi(spotRaw)
	if err != nil || spot <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "spot must be a positive integer", nil)
		return
	}
	parking, err := h.Parkings.ActiveBySpot(r.Context(), spot)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"parking": newParkingResponse(parking),
	})
}
