package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mi6-platform/moneypenny/internal/api/http/dto"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

type StatusHandler struct {
	tracker *tracker.Tracker
}

func NewStatusHandler(tr *tracker.Tracker) *StatusHandler {
	return &StatusHandler{tracker: tr}
}

// GetUser returns the status of a user's provisioning. Without an action
// query the most recently updated task for the user wins.
func (h *StatusHandler) GetUser(ctx *gin.Context) {
	username := ctx.Param("username")

	var snap tracker.Snapshot
	var err error
	if actionParam := ctx.Query("action"); actionParam != "" {
		action, perr := dossier.ParseAction(actionParam)
		if perr != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
			return
		}
		snap, err = h.tracker.Get(tracker.Identity{Action: action, Username: username})
	} else {
		snap, err = h.tracker.GetUser(username)
	}
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "no task found for user"})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, taskStatusOf(snap))
}

// ListTasks returns tracked tasks, filterable by action and state.
func (h *StatusHandler) ListTasks(ctx *gin.Context) {
	var action *dossier.Action
	if actionParam := ctx.Query("action"); actionParam != "" {
		a, err := dossier.ParseAction(actionParam)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		action = &a
	}

	var state *tracker.State
	if stateParam := ctx.Query("state"); stateParam != "" {
		s, err := tracker.ParseState(stateParam)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		state = &s
	}

	snaps := h.tracker.List(action, state)
	tasks := make([]dto.TaskStatusResponse, len(snaps))
	for i, snap := range snaps {
		tasks[i] = taskStatusOf(snap)
	}

	ctx.JSON(http.StatusOK, dto.ListTasksResponse{Tasks: tasks, Count: len(tasks)})
}

func taskStatusOf(snap tracker.Snapshot) dto.TaskStatusResponse {
	groups := make([]dto.GroupInfo, len(snap.Groups))
	for i, g := range snap.Groups {
		groups[i] = dto.GroupInfo{Name: g.Name, ID: g.ID}
	}
	return dto.TaskStatusResponse{
		TaskID:    snap.ID,
		Action:    string(snap.Identity.Action),
		Username:  snap.Identity.Username,
		UID:       snap.UID,
		Groups:    groups,
		State:     string(snap.State),
		Attempts:  snap.Attempts,
		LastError: snap.LastError,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
}
