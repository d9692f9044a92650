package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mi6-platform/moneypenny/internal/ledger"
	"github.com/mi6-platform/moneypenny/internal/orders"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

type AdminHandler struct {
	orders  *orders.M
	quips   *orders.Quips
	tracker *tracker.Tracker
	ledger  *ledger.Ledger
}

// NewAdminHandler builds the operator surface. ledger may be nil.
func NewAdminHandler(m *orders.M, quips *orders.Quips, tr *tracker.Tracker, lg *ledger.Ledger) *AdminHandler {
	return &AdminHandler{orders: m, quips: quips, tracker: tr, ledger: lg}
}

// Dump exposes the loaded configuration and all tracked tasks in one view.
func (h *AdminHandler) Dump(ctx *gin.Context) {
	standing, err := h.orders.Dump()
	if err != nil {
		slog.Error("Orders dump failed", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read orders"})
		return
	}

	quips, err := h.quips.All()
	if err != nil {
		slog.Error("Quips dump failed", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read quips"})
		return
	}

	snaps := h.tracker.List(nil, nil)
	tasks := make([]any, len(snaps))
	for i, snap := range snaps {
		tasks[i] = taskStatusOf(snap)
	}

	ctx.JSON(http.StatusOK, gin.H{
		"orders": standing,
		"quips":  quips,
		"tasks":  tasks,
	})
}

// Ledger lists archived provisioning outcomes.
func (h *AdminHandler) Ledger(ctx *gin.Context) {
	if h.ledger == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger is not configured"})
		return
	}

	limit := 0
	if limitParam := ctx.Query("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.ledger.List(ctx.Request.Context(), ctx.Query("username"), limit)
	if err != nil {
		slog.Error("Ledger query failed", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
