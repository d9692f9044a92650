package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mi6-platform/moneypenny/internal/api/http/dto"
	"github.com/mi6-platform/moneypenny/internal/orders"
)

type IndexHandler struct {
	quips   *orders.Quips
	version string
}

func NewIndexHandler(quips *orders.Quips, version string) *IndexHandler {
	return &IndexHandler{quips: quips, version: version}
}

func (h *IndexHandler) Get(ctx *gin.Context) {
	quip, err := h.quips.Quip()
	if err != nil {
		if errors.Is(err, orders.ErrNoQuips) {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "cat got your tongue: no quips available"})
			return
		}
		slog.Error("Quip lookup failed", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read quips"})
		return
	}

	ctx.JSON(http.StatusOK, dto.IndexResponse{
		Quip: strings.TrimSpace(quip),
		Metadata: dto.IndexMetadata{
			Name:    "moneypenny",
			Version: h.version,
		},
	})
}
