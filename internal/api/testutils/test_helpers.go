package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/qemplois/marketplace-server/internal/api"
	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/cache"
	"github.com/qemplois/marketplace-server/internal/config"
	"github.com/qemplois/marketplace-server/internal/licence"
	"github.com/qemplois/marketplace-server/internal/metrics"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
	"github.com/qemplois/marketplace-server/internal/retention"
	"github.com/qemplois/marketplace-server/internal/service"
)

const (
	AdminEmail    = "admin@qemplois.test"
	AdminPassword = "admin-password"
	MetricsAPIKey = "test-metrics-key"

	// Seeded by migrations.
	PlumbingCategoryID = "8a5f1c2e-0b1d-4d8e-9f00-000000000001"
	SnowCategoryID     = "8a5f1c2e-0b1d-4d8e-9f00-000000000004"
)

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository *repository.PostgresRepository
	Service    service.Service
	DB         *sqlx.DB
	Redis      *miniredis.Miniredis
	Metrics    *metrics.Sink
	Licences   *StubChecker
	AdminID    string
	AdminJWT   string
}

// StubChecker answers licence checks without running the scraper and records
// each call in the metrics sink like the real bridge does.
type StubChecker struct {
	mu      sync.Mutex
	sink    *metrics.Sink
	Valid   map[string]bool
	Failure *apperrors.Error
	Calls   int
}

func (s *StubChecker) Verify(ctx context.Context, raw string) (*licence.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++

	rec := metrics.Record{LicencePrefix: licence.Prefix(raw), LatencyMs: 1}
	normalized, err := licence.Normalize(raw)
	if err != nil {
		rec.Outcome, rec.ErrorTag = metrics.OutcomeError, licence.TagFormatInvalid
		s.sink.Record(rec)
		return nil, err
	}
	if s.Failure != nil {
		rec.Outcome, rec.ErrorTag = metrics.OutcomeError, s.Failure.Tag
		s.sink.Record(rec)
		return nil, s.Failure
	}

	res := &licence.Result{Valid: s.Valid[normalized], Licence: normalized}
	rec.Outcome = metrics.OutcomeInvalid
	if res.Valid {
		rec.Outcome = metrics.OutcomeValid
	}
	s.sink.Record(rec)
	return res, nil
}

// SetupTestContext builds the full stack against TEST_DATABASE_URL. Tests are
// skipped when it is not set.
func SetupTestContext(t *testing.T) *TestContext {
	t.Helper()

	cfg := config.LoadConfig()
	if cfg.Database.TestURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	db, err := config.Connect(ctx, cfg.Database.TestURL, logger)
	require.NoError(t, err, "Failed to set up test database")
	cleanupTestDatabase(t, db)

	repo := repository.NewPostgresRepository(db)

	mr := miniredis.RunT(t)
	rdb := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	links := cache.NewPlatformLinks(rdb, cfg.Auth.PlatformLinkTTL)

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry, "qemplois")
	sink := metrics.NewSink(metrics.WithCollectors(collectors))
	checker := &StubChecker{sink: sink, Valid: map[string]bool{}}

	auth := config.AuthConfig{
		JWTSecret:        "test-secret-key",
		JWTRefreshSecret: "test-refresh-secret-key",
		AccessTTL:        time.Hour,
		RefreshTTL:       24 * time.Hour,
		BcryptCost:       bcrypt.MinCost,
		LinkTokenTTL:     5 * time.Minute,
		PlatformLinkTTL:  time.Hour,
	}
	ret := config.RetentionConfig{Days: 2555, AuditDays: 365}

	svc := service.NewDefaultService(repo, auth, ret, service.Dependencies{
		Links:       links,
		LinkTokens:  cache.NewLinkTokens(rdb),
		Revocations: cache.NewRevocations(rdb),
		Verifier:    checker,
		Sweeper:     retention.NewSweeper(repo, links, ret.AuditHorizon(), logger),
		Logger:      logger,
	})

	handler := api.NewHandler(svc, api.Options{
		Metrics:       sink,
		Collectors:    collectors,
		Gatherer:      registry,
		MetricsAPIKey: MetricsAPIKey,
		Checks:        map[string]api.Pinger{"database": repo, "redis": rdb},
		Logger:        logger,
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.SetupRoutes(router)

	tc := &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		DB:         db,
		Redis:      mr,
		Metrics:    sink,
		Licences:   checker,
	}
	tc.AdminID = createAdmin(t, repo)
	tc.AdminJWT = tc.Login(t, AdminEmail, AdminPassword)
	return tc
}

// CleanupTestContext cleans up test resources
func CleanupTestContext(tc *TestContext) {
	if tc.DB != nil {
		cleanupTestDatabase(nil, tc.DB)
		tc.DB.Close()
	}
}

// cleanupTestDatabase empties every table except the seeded categories.
func cleanupTestDatabase(t *testing.T, db *sqlx.DB) {
	_, err := db.Exec(`TRUNCATE audit_logs, traction_events, leads, bookings, services, bids, jobs, pro_profiles, users CASCADE`)
	if t != nil && err != nil {
		t.Logf("Warning: Failed to clean test database: %v", err)
	}
}

func createAdmin(t *testing.T, repo repository.Repository) string {
	hashed, err := bcrypt.GenerateFromPassword([]byte(AdminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now().UTC()
	user := &models.User{
		Email:              AdminEmail,
		Password:           string(hashed),
		Role:               models.RoleAdmin,
		LanguagePreference: models.LanguageFR,
		FirstName:          "Admin",
		LastName:           "Test",
		ConsentGiven:       true,
		ConsentAt:          &now,
		RetentionAt:        now.Add(365 * 24 * time.Hour),
	}
	require.NoError(t, repo.CreateUser(context.Background(), user, nil, nil), "Failed to create admin user")
	return user.ID
}

// Login returns an access token for the given credentials.
func (tc *TestContext) Login(t *testing.T, email, password string) string {
	t.Helper()
	w := PerformRequest(tc.Router, http.MethodPost, "/api/auth/login",
		models.LoginRequest{Email: email, Password: password}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.AuthResponse
	DecodeJSON(t, w, &resp)
	return resp.AccessToken
}

// Register signs up a consenting user and returns its id and access token.
func (tc *TestContext) Register(t *testing.T, email string, role models.Role) (string, string) {
	t.Helper()
	w := PerformRequest(tc.Router, http.MethodPost, "/api/auth/register", models.RegisterRequest{
		Email:        email,
		Password:     "Password123",
		FirstName:    "Test",
		LastName:     "User",
		Role:         string(role),
		ConsentGiven: true,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp models.AuthResponse
	DecodeJSON(t, w, &resp)
	return resp.User.ID, resp.AccessToken
}

// RegisterPro signs up a pro, stores licenceNumber when non-empty and, when
// verified is set, has the admin verify the pro's identity.
func (tc *TestContext) RegisterPro(t *testing.T, email, licenceNumber string, verified bool) (string, string) {
	t.Helper()
	id, token := tc.Register(t, email, models.RolePro)

	if licenceNumber != "" {
		w := PerformRequest(tc.Router, http.MethodPut, "/api/pros/me/licence",
			models.UpdateLicenceRequest{LicenceNumber: licenceNumber}, AuthHeaders(token))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	if verified {
		w := PerformRequest(tc.Router, http.MethodPost, fmt.Sprintf("/api/pros/%s/identity", id),
			models.SetIdentityStatusRequest{Status: string(models.IdentityVerified)}, AuthHeaders(tc.AdminJWT))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	return id, token
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// DecodeJSON unmarshals the recorded body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
