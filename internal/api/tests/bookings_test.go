package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qemplois/marketplace-server/internal/api/testutils"
	"github.com/qemplois/marketplace-server/internal/models"
)

type bookingParties struct {
	clientToken string
	proToken    string
	bookingID   string
}

func setupBooking(t *testing.T, testCtx *testutils.TestContext) bookingParties {
	t.Helper()
	_, clientToken := testCtx.Register(t, "client@example.com", models.RoleClient)
	proID, proToken := testCtx.RegisterPro(t, "pro@example.com", validLicence, true)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/services", gin.H{
		"categoryId": testutils.SnowCategoryID,
		"name":       "Déneigement d'entrée",
		"basePrice":  "40",
	}, testutils.AuthHeaders(proToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var svc models.Service
	testutils.DecodeJSON(t, w, &svc)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/bookings", gin.H{
		"proId":         proID,
		"serviceId":     svc.ID,
		"scheduledAt":   time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"durationHours": "2.5",
		"location":      "Québec, QC",
	}, testutils.AuthHeaders(clientToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view models.BookingView
	testutils.DecodeJSON(t, w, &view)
	require.Equal(t, models.BookingPending, view.Status)
	assert.True(t, view.PriceEstimate.Equal(decimal.NewFromInt(100)), view.PriceEstimate.String())

	return bookingParties{clientToken: clientToken, proToken: proToken, bookingID: view.ID}
}

func transition(testCtx *testutils.TestContext, token, bookingID, status string) (int, models.BookingView) {
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		fmt.Sprintf("/api/bookings/%s/transition", bookingID),
		models.TransitionRequest{Status: status}, testutils.AuthHeaders(token))
	var view models.BookingView
	if w.Code == http.StatusOK {
		_ = json.Unmarshal(w.Body.Bytes(), &view)
	}
	return w.Code, view
}

func TestBookingLifecycle(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	p := setupBooking(t, testCtx)

	// The client may not confirm
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost,
		fmt.Sprintf("/api/bookings/%s/transition", p.bookingID),
		models.TransitionRequest{Status: "confirmed"}, testutils.AuthHeaders(p.clientToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var errResp models.ErrorResponse
	testutils.DecodeJSON(t, w, &errResp)
	assert.Equal(t, "forbidden", errResp.Code)

	code, view := transition(testCtx, p.proToken, p.bookingID, "confirmed")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, view.ConfirmedAt)

	code, view = transition(testCtx, p.proToken, p.bookingID, "in_progress")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, view.StartedAt)

	code, view = transition(testCtx, p.proToken, p.bookingID, "completed")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, view.CompletedAt)
	require.True(t, view.FinalPrice.Valid)
	assert.True(t, view.FinalPrice.Decimal.Equal(view.PriceEstimate))
	assert.Empty(t, view.AvailableTransitions)

	require.Len(t, view.StatusHistory, 4)
	want := []models.BookingStatus{models.BookingPending, models.BookingConfirmed, models.BookingInProgress, models.BookingCompleted}
	for i, entry := range view.StatusHistory {
		assert.Equal(t, want[i], entry.Status)
		if i > 0 {
			assert.True(t, entry.At.After(view.StatusHistory[i-1].At), "history must be strictly ordered")
		}
	}
	assert.True(t, view.ConfirmedAt.Equal(view.StatusHistory[1].At))
	assert.True(t, view.StartedAt.Equal(view.StatusHistory[2].At))
	assert.True(t, view.CompletedAt.Equal(view.StatusHistory[3].At))

	// Terminal
	code, _ = transition(testCtx, p.proToken, p.bookingID, "cancelled")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBookingCancelNeedsReason(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	p := setupBooking(t, testCtx)
	path := fmt.Sprintf("/api/bookings/%s/cancel", p.bookingID)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, path,
		models.CancelBookingRequest{Reason: "   "}, testutils.AuthHeaders(p.clientToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, path,
		models.CancelBookingRequest{Reason: "Plus besoin"}, testutils.AuthHeaders(p.clientToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view models.BookingView
	testutils.DecodeJSON(t, w, &view)
	assert.Equal(t, models.BookingCancelled, view.Status)
	require.NotNil(t, view.CancellationReason)
	assert.Equal(t, "Plus besoin", *view.CancellationReason)
	assert.NotNil(t, view.CancelledAt)
}

func TestBookingHiddenFromStrangers(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	p := setupBooking(t, testCtx)
	_, strangerToken := testCtx.Register(t, "stranger@example.com", models.RoleClient)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/bookings/"+p.bookingID, nil, testutils.AuthHeaders(strangerToken))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/bookings/"+p.bookingID, nil, testutils.AuthHeaders(p.clientToken))
	assert.Equal(t, http.StatusOK, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/bookings", nil, testutils.AuthHeaders(strangerToken))
	require.Equal(t, http.StatusOK, w.Code)
	var bookings []models.Booking
	testutils.DecodeJSON(t, w, &bookings)
	assert.Empty(t, bookings)
}

func TestRacingCancelsOnOneBooking(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	p := setupBooking(t, testCtx)
	path := fmt.Sprintf("/api/bookings/%s/cancel", p.bookingID)

	// Hold the row so both cancels read "pending" before either can write
	lock, err := testCtx.DB.Beginx()
	require.NoError(t, err)
	defer func() { _ = lock.Rollback() }()
	_, err = lock.Exec(`SELECT id FROM bookings WHERE id = $1 FOR UPDATE`, p.bookingID)
	require.NoError(t, err)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i, token := range []string{p.clientToken, p.proToken} {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			w := testutils.PerformRequest(testCtx.Router, http.MethodPost, path,
				models.CancelBookingRequest{Reason: "Annulé"}, testutils.AuthHeaders(token))
			codes[i] = w.Code
		}(i, token)
	}

	require.Eventually(t, func() bool {
		var waiting int
		err := testCtx.DB.Get(&waiting, `
			SELECT COUNT(*) FROM pg_stat_activity
			WHERE wait_event_type = 'Lock' AND query LIKE '%UPDATE bookings SET%'
		`)
		return err == nil && waiting == 2
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, lock.Rollback())
	wg.Wait()

	sort.Ints(codes)
	assert.Equal(t, []int{http.StatusOK, http.StatusConflict}, codes)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/bookings/"+p.bookingID, nil, testutils.AuthHeaders(p.clientToken))
	require.Equal(t, http.StatusOK, w.Code)
	var view models.BookingView
	testutils.DecodeJSON(t, w, &view)
	assert.Equal(t, models.BookingCancelled, view.Status)
	assert.Len(t, view.StatusHistory, 2)

	var updates int
	require.NoError(t, testCtx.DB.Get(&updates,
		`SELECT COUNT(*) FROM audit_logs WHERE action = 'booking-status-updated' AND resource_id = $1`, p.bookingID))
	assert.Equal(t, 1, updates)
}
