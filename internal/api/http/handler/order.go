package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mi6-platform/moneypenny/internal/api/http/dto"
	"github.com/mi6-platform/moneypenny/internal/dispatcher"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/orders"
)

// maxDossierBytes bounds the request body; dossiers are small documents and
// anything near this size is not a provisioning request.
const maxDossierBytes = 1 << 20

type OrderHandler struct {
	dispatcher *dispatcher.Dispatcher
}

func NewOrderHandler(d *dispatcher.Dispatcher) *OrderHandler {
	return &OrderHandler{dispatcher: d}
}

func (h *OrderHandler) Commission(ctx *gin.Context) {
	h.submit(ctx, dossier.ActionCommission)
}

func (h *OrderHandler) Retire(ctx *gin.Context) {
	h.submit(ctx, dossier.ActionRetire)
}

// submit accepts a dossier and hands it off. The response never waits for
// backend completion: 202 means the order was taken, progress is visible on
// the status endpoints.
func (h *OrderHandler) submit(ctx *gin.Context, action dossier.Action) {
	raw, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxDossierBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	doc, err := dossier.Parse(raw)
	if err != nil {
		var verr *dossier.ValidationError
		if errors.As(err, &verr) {
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
			return
		}
		ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.dispatcher.Submit(ctx.Request.Context(), action, doc)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrConflict):
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, orders.ErrNoOrders):
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			slog.Error("Order submission failed", "action", action, "username", doc.Username, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit order"})
		}
		return
	}

	ctx.JSON(http.StatusAccepted, dto.OrderAcceptedResponse{
		TaskID:   snap.ID,
		Action:   string(action),
		Username: doc.Username,
		State:    string(snap.State),
	})
}
