package api_test

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qemplois/marketplace-server/internal/api/testutils"
	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/service"
)

var placeholderEmail = regexp.MustCompile(`^deleted_[0-9a-f-]+@deleted\.qemplois\.ca$`)

func TestRetentionSweep(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	userID, token := testCtx.Register(t, "partir@example.com", models.RoleClient)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/request-deletion", nil, testutils.AuthHeaders(token))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var retentionAt time.Time
	require.NoError(t, testCtx.DB.Get(&retentionAt, `SELECT retention_at FROM users WHERE id = $1`, userID))
	assert.WithinDuration(t, time.Now(), retentionAt, time.Minute)

	// Only admins may sweep
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/retention/sweep", nil, testutils.AuthHeaders(token))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/retention/sweep", nil, testutils.AuthHeaders(testCtx.AdminJWT))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first models.SweepResponse
	testutils.DecodeJSON(t, w, &first)
	assert.Equal(t, 1, first.Anonymized)

	var row struct {
		Email     string     `db:"email"`
		DeletedAt *time.Time `db:"deleted_at"`
	}
	require.NoError(t, testCtx.DB.Get(&row, `SELECT email, deleted_at FROM users WHERE id = $1`, userID))
	assert.Regexp(t, placeholderEmail, row.Email)
	assert.NotNil(t, row.DeletedAt)

	var deletions int
	require.NoError(t, testCtx.DB.Get(&deletions, `SELECT COUNT(*) FROM audit_logs WHERE action = 'data-deletion'`))
	assert.Equal(t, 1, deletions)

	// A second sweep changes nothing
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/retention/sweep", nil, testutils.AuthHeaders(testCtx.AdminJWT))
	require.Equal(t, http.StatusOK, w.Code)
	var second models.SweepResponse
	testutils.DecodeJSON(t, w, &second)
	assert.Equal(t, 0, second.Anonymized)
	require.NoError(t, testCtx.DB.Get(&deletions, `SELECT COUNT(*) FROM audit_logs WHERE action = 'data-deletion'`))
	assert.Equal(t, 1, deletions)

	// The tombstoned account can no longer log in
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/login",
		models.LoginRequest{Email: "partir@example.com", Password: "Password123"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLeadsAndTraction(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	proID, proToken := testCtx.RegisterPro(t, "pro@example.com", "", true)
	otherID, otherToken := testCtx.RegisterPro(t, "autre@example.com", "", true)
	_, clientToken := testCtx.Register(t, "client@example.com", models.RoleClient)

	lead := gin.H{
		"title":         "Toiture à refaire",
		"clientName":    "M. Tremblay",
		"location":      "Laval, QC",
		"netAmount":     "1000",
		"federalTax":    "50",
		"provincialTax": "99.75",
	}
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/leads", lead, testutils.AuthHeaders(proToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/leads", lead, testutils.AuthHeaders(testCtx.AdminJWT))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ingested models.LeadIngestResponse
	testutils.DecodeJSON(t, w, &ingested)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/leads", nil, testutils.AuthHeaders(clientToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/leads", nil, testutils.AuthHeaders(proToken))
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Leads []models.Lead `json:"leads"`
		Total int           `json:"total"`
	}
	testutils.DecodeJSON(t, w, &listed)
	assert.Equal(t, 1, listed.Total)
	assert.Equal(t, service.DefaultLeadSource, listed.Leads[0].Source)

	claim := models.LogTractionRequest{Kind: "lead_claim", ProID: proID, LeadID: ingested.LeadID}
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/traction/log", claim, testutils.AuthHeaders(proToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Claiming again as the same pro is allowed; another pro is refused
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/traction/log", claim, testutils.AuthHeaders(proToken))
	assert.Equal(t, http.StatusCreated, w.Code)

	other := models.LogTractionRequest{Kind: "lead_claim", ProID: otherID, LeadID: ingested.LeadID}
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/traction/log", other, testutils.AuthHeaders(otherToken))
	assert.Equal(t, http.StatusConflict, w.Code)
	var errResp models.ErrorResponse
	testutils.DecodeJSON(t, w, &errResp)
	assert.Equal(t, string(apperrors.AlreadyClaimedByOther), errResp.Code)

	// A lead claim needs a lead
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/traction/log",
		models.LogTractionRequest{Kind: "lead_claim", ProID: proID}, testutils.AuthHeaders(proToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/traction/log",
		models.LogTractionRequest{Kind: "partner_click", ProID: proID, PartnerID: "quincaillerie"}, testutils.AuthHeaders(proToken))
	require.Equal(t, http.StatusCreated, w.Code)

	// A click on an unknown lead is not recorded
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/traction/log",
		models.LogTractionRequest{
			Kind: "partner_click", ProID: proID, PartnerID: "quincaillerie",
			LeadID: "00000000-0000-4000-8000-000000000000",
		}, testutils.AuthHeaders(proToken))
	assert.Equal(t, http.StatusNotFound, w.Code)
	errResp = models.ErrorResponse{}
	testutils.DecodeJSON(t, w, &errResp)
	assert.Equal(t, string(apperrors.NotFound), errResp.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/traction/summary", nil, testutils.AuthHeaders(proToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/traction/summary", nil, testutils.AuthHeaders(testCtx.AdminJWT))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary models.TractionSummary
	testutils.DecodeJSON(t, w, &summary)
	assert.Equal(t, int64(1), summary.TotalLeads)
	assert.Equal(t, int64(1), summary.ClaimedLeads)
	assert.Equal(t, int64(2), summary.LeadClaims)
	assert.Equal(t, int64(1), summary.PartnerClicks)
	assert.Equal(t, "100", summary.ConversionRate.String())

	var claimedStatus string
	require.NoError(t, testCtx.DB.Get(&claimedStatus, `SELECT status FROM leads WHERE id = $1`, ingested.LeadID))
	assert.Equal(t, "claimed", claimedStatus)
}

func TestVerifyLicenceProxy(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, token := testCtx.Register(t, "verif@example.com", models.RoleClient)
	testCtx.Licences.Valid["5678123401"] = true

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/verify/rbq",
		models.VerifyLicenceRequest{Licence: "5678-1234-01"}, testutils.AuthHeaders(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result struct {
		Valid   bool   `json:"valid"`
		Licence string `json:"licence"`
	}
	testutils.DecodeJSON(t, w, &result)
	assert.True(t, result.Valid)
	assert.Equal(t, "5678123401", result.Licence)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/verify/rbq",
		models.VerifyLicenceRequest{Licence: "12"}, testutils.AuthHeaders(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	testCtx.Licences.Failure = apperrors.New(apperrors.ScraperFailure, "registry down")
	testCtx.Licences.Failure.Tag = "scraper-failure"
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/verify/rbq",
		models.VerifyLicenceRequest{Licence: "5678-1234-01"}, testutils.AuthHeaders(token))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var errResp models.ErrorResponse
	testutils.DecodeJSON(t, w, &errResp)
	assert.Equal(t, "service-unavailable", errResp.Code)

	snap := testCtx.Metrics.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.ValidCount)
	assert.Equal(t, uint64(2), snap.ErrorCount)
}
