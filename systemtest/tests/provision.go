package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mi6-platform/moneypenny/internal/api/http/dto"
	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/ledger"
	"github.com/mi6-platform/moneypenny/internal/reconciler"
)

// Env bundles the running stack so each scenario can drive both the HTTP
// surface and the backend it talks to.
type Env struct {
	Router     *gin.Engine
	Backend    *backend.Memory
	Reconciler *reconciler.Reconciler
	Ledger     *ledger.Ledger
	APIKey     string
}

const bondDossier = `{"username":"jb007","uid":1007,"groups":[{"name":"doubleos","id":500}]}`

func TestHealthCheck(t *testing.T, router *gin.Engine) {
	rr := doRaw(router, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

// TestProvisionAndArchive walks one commission through accept, backend
// completion, reconciliation, and the ledger archive.
func TestProvisionAndArchive(t *testing.T, env *Env) {
	rr := doRaw(env.Router, "POST", "/moneypenny/commission", bondDossier, "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	var accepted dto.OrderAcceptedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	require.Equal(t, "RUNNING", accepted.State)

	env.Backend.Complete(backend.UnitRef{Action: dossier.ActionCommission, Username: "jb007"})
	require.NoError(t, env.Reconciler.RunOnce(context.Background()))

	// Retention is zero in this environment, so the terminal task has
	// already moved from the tracker to the ledger.
	rr = doRaw(env.Router, "GET", "/moneypenny/users/jb007", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	entries, err := env.Ledger.List(context.Background(), "jb007", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, accepted.TaskID, entries[0].TaskID)
	assert.Equal(t, "commission", entries[0].Action)
	assert.Equal(t, "SUCCEEDED", entries[0].State)
	assert.Equal(t, 1007, entries[0].UID)
}

// TestLedgerEndpoint reads the archive back through the admin surface.
func TestLedgerEndpoint(t *testing.T, env *Env) {
	rr := doRaw(env.Router, "GET", "/moneypenny/admin/ledger", "", env.APIKey)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Entries []ledger.Entry `json:"entries"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.Count, 1)

	rr = doRaw(env.Router, "GET", "/moneypenny/admin/ledger", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// TestRetireAndArchive retires the same user and checks both outcomes land
// in the archive.
func TestRetireAndArchive(t *testing.T, env *Env) {
	rr := doRaw(env.Router, "POST", "/moneypenny/retire", bondDossier, "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	env.Backend.Complete(backend.UnitRef{Action: dossier.ActionRetire, Username: "jb007"})
	require.NoError(t, env.Reconciler.RunOnce(context.Background()))

	entries, err := env.Ledger.List(context.Background(), "jb007", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	actions := []string{entries[0].Action, entries[1].Action}
	assert.Contains(t, actions, "commission")
	assert.Contains(t, actions, "retire")
}

func doRaw(router *gin.Engine, method, path, body, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
