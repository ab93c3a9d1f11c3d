// Operation history endpoints. Tracks unload runs and filament events so
// frontends can show what the host has been doing.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"filament-host/pkg/event"
)

// History records filament operations as they run.
type History struct {
	mu    sync.RWMutex
	ops   map[string]*OperationRecord
	order []string // most recent first

	// kind -> id of the operation currently in progress
	active map[string]string

	runoutEvents int64
	insertEvents int64
}

// OperationRecord is one filament operation.
type OperationRecord struct {
	OperationID string   `json:"operation_id"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"` // "in_progress", "completed", "failed"
	StartTime   float64  `json:"start_time"`
	EndTime     *float64 `json:"end_time"`
	Duration    float64  `json:"duration"`

	startEventtime float64
}

// OperationTotals holds aggregated statistics.
type OperationTotals struct {
	TotalOperations  int     `json:"total_operations"`
	TotalTime        float64 `json:"total_time"`
	LongestOperation float64 `json:"longest_operation"`
	RunoutEvents     int64   `json:"runout_events"`
	InsertEvents     int64   `json:"insert_events"`
}

// NewHistory creates an empty operation history.
func NewHistory() *History {
	return &History{
		ops:    make(map[string]*OperationRecord),
		order:  make([]string, 0),
		active: make(map[string]string),
	}
}

func generateOperationID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// BindBus records operations and events straight off the notification
// bus.
func (h *History) BindBus(bus *event.Bus) {
	bus.Subscribe(event.TopicUnloadStart, func(eventtime float64) {
		h.StartOperation("unload", eventtime)
	})
	bus.Subscribe(event.TopicUnloadEnd, func(eventtime float64) {
		h.FinishOperation("unload", "completed", eventtime)
	})
	bus.Subscribe(event.TopicCutStart, func(eventtime float64) {
		h.StartOperation("cut", eventtime)
	})
	bus.Subscribe(event.TopicCutEnd, func(eventtime float64) {
		h.FinishOperation("cut", "completed", eventtime)
	})
	bus.Subscribe(event.TopicCutFailed, func(eventtime float64) {
		h.FinishOperation("cut", "failed", eventtime)
	})
	bus.Subscribe(event.TopicNoFilament, func(eventtime float64) {
		h.mu.Lock()
		h.runoutEvents++
		h.mu.Unlock()
	})
	bus.Subscribe(event.TopicFilamentPresent, func(eventtime float64) {
		h.mu.Lock()
		h.insertEvents++
		h.mu.Unlock()
	})
}

// StartOperation opens a new record for kind. A still-open record of the
// same kind is marked failed first.
func (h *History) StartOperation(kind string, eventtime float64) *OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prevID, ok := h.active[kind]; ok {
		if prev := h.ops[prevID]; prev != nil && prev.Status == "in_progress" {
			h.finishLocked(prev, "failed", eventtime)
		}
	}

	op := &OperationRecord{
		OperationID:    generateOperationID(),
		Kind:           kind,
		Status:         "in_progress",
		StartTime:      float64(time.Now().Unix()),
		startEventtime: eventtime,
	}

	h.ops[op.OperationID] = op
	h.order = append([]string{op.OperationID}, h.order...)
	h.active[kind] = op.OperationID

	return op
}

// FinishOperation closes the in-progress record for kind. Returns nil
// when nothing was in progress.
func (h *History) FinishOperation(kind, status string, eventtime float64) *OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.active[kind]
	if !ok {
		return nil
	}
	op := h.ops[id]
	if op == nil {
		delete(h.active, kind)
		return nil
	}

	h.finishLocked(op, status, eventtime)
	delete(h.active, kind)
	return op
}

func (h *History) finishLocked(op *OperationRecord, status string, eventtime float64) {
	now := float64(time.Now().Unix())
	op.EndTime = &now
	op.Status = status
	op.Duration = eventtime - op.startEventtime
	if op.Duration < 0 {
		op.Duration = 0
	}
}

// GetOperation returns a record by ID.
func (h *History) GetOperation(id string) (*OperationRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	op, ok := h.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation not found: %s", id)
	}
	return op, nil
}

// ListOperations returns records with optional filtering and pagination.
func (h *History) ListOperations(limit, start int, since, before float64, order string) []*OperationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var matches []*OperationRecord
	for _, id := range h.order {
		op := h.ops[id]
		if op == nil {
			continue
		}
		if since > 0 && op.StartTime < since {
			continue
		}
		if before > 0 && op.StartTime > before {
			continue
		}
		matches = append(matches, op)
	}

	if order == "asc" {
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].StartTime < matches[j].StartTime
		})
	}
	// Default is desc (most recent first), which is already the order.

	if start > 0 && start < len(matches) {
		matches = matches[start:]
	} else if start >= len(matches) {
		matches = nil
	}

	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}

	return matches
}

// Totals returns aggregated statistics.
func (h *History) Totals() *OperationTotals {
	h.mu.RLock()
	defer h.mu.RUnlock()

	totals := &OperationTotals{
		RunoutEvents: h.runoutEvents,
		InsertEvents: h.insertEvents,
	}

	for _, op := range h.ops {
		totals.TotalOperations++
		totals.TotalTime += op.Duration
		if op.Duration > totals.LongestOperation {
			totals.LongestOperation = op.Duration
		}
	}

	return totals
}

// DeleteOperation removes a record.
func (h *History) DeleteOperation(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.ops[id]; !ok {
		return fmt.Errorf("operation not found: %s", id)
	}

	delete(h.ops, id)
	for i, oid := range h.order {
		if oid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	for kind, oid := range h.active {
		if oid == id {
			delete(h.active, kind)
		}
	}

	return nil
}

// ResetTotals clears all history.
func (h *History) ResetTotals() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ops = make(map[string]*OperationRecord)
	h.order = make([]string, 0)
	h.active = make(map[string]string)
	h.runoutEvents = 0
	h.insertEvents = 0
}

// RegisterEndpoints registers the history HTTP endpoints.
func (h *History) RegisterEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/history/list", h.handleList)
	mux.HandleFunc("/history/status", h.handleStatus)
	mux.HandleFunc("/history/totals", h.handleTotals)
	mux.HandleFunc("/history/operation", h.handleOperation)
	mux.HandleFunc("/history/reset_totals", h.handleResetTotals)
}

func (h *History) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if l := q.Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}

	start := 0
	if s := q.Get("start"); s != "" {
		fmt.Sscanf(s, "%d", &start)
	}

	var since, before float64
	if s := q.Get("since"); s != "" {
		fmt.Sscanf(s, "%f", &since)
	}
	if b := q.Get("before"); b != "" {
		fmt.Sscanf(b, "%f", &before)
	}

	order := q.Get("order")
	if order == "" {
		order = "desc"
	}

	ops := h.ListOperations(limit, start, since, before, order)
	if ops == nil {
		ops = []*OperationRecord{}
	}

	h.mu.RLock()
	count := len(h.ops)
	h.mu.RUnlock()

	writeJSON(w, map[string]any{
		"result": map[string]any{
			"count":      count,
			"operations": ops,
		},
	})
}

func (h *History) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	result := map[string]any{}
	for kind, id := range h.active {
		if op := h.ops[id]; op != nil {
			result[kind] = op
		}
	}
	h.mu.RUnlock()

	writeJSON(w, map[string]any{"result": result})
}

func (h *History) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": map[string]any{
			"operation_totals": h.Totals(),
		},
	})
}

func (h *History) handleOperation(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeJSONError(w, fmt.Errorf("missing uid parameter"), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		op, err := h.GetOperation(uid)
		if err != nil {
			writeJSONError(w, err, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"result": map[string]any{"operation": op}})

	case http.MethodDelete:
		if err := h.DeleteOperation(uid); err != nil {
			writeJSONError(w, err, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"result": map[string]any{
				"deleted_operations": []string{uid},
			},
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *History) handleResetTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.ResetTotals()

	writeJSON(w, map[string]any{
		"result": map[string]any{
			"last_totals": h.Totals(),
		},
	})
}
