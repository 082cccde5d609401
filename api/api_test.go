package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertapi/admission"
	"convertapi/conversion"
	"convertapi/quota"
	"convertapi/ratelimit"
	"convertapi/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeConverter struct{}

func (fakeConverter) Supports(src, dst string) error {
	if src == "exe" || dst != "pdf" && dst != "pdfa" {
		return services.ErrUnsupportedFormat
	}
	return nil
}

func (fakeConverter) Convert(_ context.Context, in services.Document, _, _ string) (services.Document, error) {
	return services.Document{FileName: "out.pdf", ContentType: "application/pdf", Data: append([]byte("%PDF:"), in.Data...)}, nil
}

type stubQueue struct {
	enqueued []uuid.UUID
}

func (q *stubQueue) Enqueue(_ context.Context, jobID uuid.UUID, _, _ string) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	ledger   *quota.Ledger
	settings *ratelimit.SettingsService
	jobs     *services.MemoryJobRepository
	queue    *stubQueue
}

type envOptions struct {
	conversions int64
	bytes       int64
	async       bool
}

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.conversions == 0 {
		opts.conversions = 1000
	}
	if opts.bytes == 0 {
		opts.bytes = 1 << 30
	}
	clock := func() time.Time { return testNow }

	ledger, err := quota.NewLedger(quota.NewMemoryStore(), quota.Defaults{Conversions: opts.conversions, Bytes: opts.bytes}, quota.WithClock(clock))
	require.NoError(t, err)
	settings := ratelimit.NewSettingsService(ratelimit.NewMemorySettingsStore(), ratelimit.DefaultCatalog(), ratelimit.WithSettingsClock(clock))
	limiter := ratelimit.NewLimiter(ratelimit.Options{
		Settings: settings,
		Store:    ratelimit.NewLimiterStore(ratelimit.WithLimiterClock(clock)),
		UserID:   CallerID,
		Enabled:  true,
	})

	jobs := services.NewMemoryJobRepository()
	objects := services.NewMemoryObjectStore()
	processor := conversion.NewProcessor(jobs, fakeConverter{}, objects, nil, conversion.Config{InlineMaxBytes: 1 << 20, Timeout: time.Second})
	gate := admission.NewGate(ledger, admission.GateConfig{Enabled: true, ExemptAdmins: true})

	env := &testEnv{ledger: ledger, settings: settings, jobs: jobs}
	deps := ServerDeps{
		Processor:      processor,
		Ledger:         ledger,
		Settings:       settings,
		Limiter:        limiter,
		Chain:          admission.ConversionChain(gate, 1<<20),
		MaxUploadBytes: 1 << 20,
		Now:            clock,
	}
	if opts.async {
		env.queue = &stubQueue{}
		deps.Queue = env.queue
	}
	env.router = NewRouter(NewServer(deps))
	return env
}

func uploadRequest(t *testing.T, path, user, fileName string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	return req
}

func jsonRequest(method, path, user, role, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		r.Header.Set(UserIDHeader, user)
	}
	if role != "" {
		r.Header.Set(UserRoleHeader, role)
	}
	return r
}

func serve(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func convert(t *testing.T, env *testEnv, user string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(env, uploadRequest(t, "/api/v1/conversions", user, "report.docx", []byte("docx-bytes"), map[string]string{"targetFormat": "pdf"}))
}

func TestAPI_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := serve(env, jsonRequest(http.MethodGet, "/api/v1/usage", "", "", ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Auth.Unauthenticated", decode(t, w)["code"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestAPI_SyncConversionLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := convert(t, env, "user-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	job := decode(t, w)
	assert.Equal(t, "Completed", job["status"])
	assert.Equal(t, "docx", job["sourceFormat"])
	assert.Equal(t, "out.pdf", job["outputFileName"])
	assert.Nil(t, job["errorMessage"])
	id := job["id"].(string)

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/usage", "user-1", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode(t, w)
	assert.EqualValues(t, 1, usage["conversionsUsed"])
	assert.EqualValues(t, len("docx-bytes"), usage["bytesProcessed"])
	assert.EqualValues(t, 999, usage["remainingConversions"])

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/conversions/"+id+"/download", "user-1", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF:docx-bytes", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "out.pdf")

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/conversions/"+id, "user-2", "", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound.Job", decode(t, w)["code"])

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/conversions", "user-1", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["items"], 1)
}

func TestAPI_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, envOptions{conversions: 1})

	require.Equal(t, http.StatusOK, convert(t, env, "user-1").Code)

	w := convert(t, env, "user-1")
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Quota.ConversionsExceeded", body["code"])
	params := body["params"].(map[string]interface{})
	assert.EqualValues(t, 1, params["used"])
	assert.EqualValues(t, 1, params["limit"])
	assert.EqualValues(t, 0, params["remaining"])

	jobs, err := env.jobs.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "rejected request must not create a job")
}

func TestAPI_AdminBypassesQuota(t *testing.T) {
	env := newTestEnv(t, envOptions{conversions: 1})

	for i := 0; i < 3; i++ {
		req := uploadRequest(t, "/api/v1/conversions", "root", "a.docx", []byte("x"), map[string]string{"targetFormat": "pdf"})
		req.Header.Set(UserRoleHeader, "admin")
		require.Equal(t, http.StatusOK, serve(env, req).Code)
	}
}

func TestAPI_ValidationRunsBeforeQuota(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := serve(env, uploadRequest(t, "/api/v1/conversions", "user-1", "virus.exe", []byte("MZ"), map[string]string{"targetFormat": "pdf"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation.UnsupportedFormat", decode(t, w)["code"])

	w = serve(env, uploadRequest(t, "/api/v1/conversions", "user-1", "empty.docx", nil, map[string]string{"targetFormat": "pdf"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(env, uploadRequest(t, "/api/v1/conversions", "user-1", "a.docx", []byte("x"), map[string]string{"targetFormat": "pdf", "callbackUrl": "ftp://nope"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	q, err := env.ledger.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, q.ConversionsUsed)
}

func TestAPI_ConversionRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	admin := func(method, path, body string) *httptest.ResponseRecorder {
		return serve(env, jsonRequest(method, path, "root", "admin", body))
	}
	require.Equal(t, http.StatusCreated, admin(http.MethodPost, "/api/v1/admin/users/user-1/rate-limits", "").Code)
	w := admin(http.MethodPut, "/api/v1/admin/users/user-1/rate-limits/policies/conversion", `{"permitLimit":1,"windowMinutes":60}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Equal(t, http.StatusOK, convert(t, env, "user-1").Code)
	w = convert(t, env, "user-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RateLimit.Exceeded", decode(t, w)["code"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	q, err := env.ledger.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.ConversionsUsed, "throttled request must not consume quota")
}

func TestAPI_AdminRateLimitSettings(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	admin := func(method, path, body string) *httptest.ResponseRecorder {
		return serve(env, jsonRequest(method, path, "root", "admin", body))
	}

	w := serve(env, jsonRequest(http.MethodGet, "/api/v1/admin/users/user-1/rate-limits", "user-1", "", ""))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = admin(http.MethodGet, "/api/v1/admin/users/user-1/rate-limits", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound.RateLimitSettings", decode(t, w)["code"])

	require.Equal(t, http.StatusCreated, admin(http.MethodPost, "/api/v1/admin/users/user-1/rate-limits", "").Code)

	w = admin(http.MethodPut, "/api/v1/admin/users/user-1/rate-limits/tier", `{"tier":"Premium"}`)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "Premium", view["tier"])
	std := view["standardPolicy"].(map[string]interface{})
	assert.EqualValues(t, 1000, std["effectivePermitLimit"])
	assert.Equal(t, "Tier", std["source"])

	w = admin(http.MethodPut, "/api/v1/admin/users/user-1/rate-limits/tier", `{"tier":"Platinum"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation.InvalidTier", decode(t, w)["code"])

	w = admin(http.MethodPut, "/api/v1/admin/users/user-1/rate-limits/policies/burst", `{"permitLimit":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation.InvalidPolicy", decode(t, w)["code"])

	w = admin(http.MethodPut, "/api/v1/admin/users/user-1/rate-limits/policies/standard", `{"windowMinutes":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation.InvalidOverride", decode(t, w)["code"])

	w = admin(http.MethodPut, "/api/v1/admin/users/user-1/rate-limits/policies/standard", `{"permitLimit":7}`)
	require.Equal(t, http.StatusOK, w.Code)
	view = decode(t, w)
	std = view["standardPolicy"].(map[string]interface{})
	assert.EqualValues(t, 7, std["effectivePermitLimit"])
	assert.EqualValues(t, 1, std["effectiveWindowMinutes"])
	assert.Equal(t, "Override", std["source"])
	assert.Equal(t, true, view["hasAnyOverride"])

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/rate-limits", "user-1", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Premium", decode(t, w)["tier"])

	w = admin(http.MethodDelete, "/api/v1/admin/users/user-1/rate-limits/overrides", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["hasAnyOverride"])
}

func TestAPI_UnprovisionedUserSeesFreeTier(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := serve(env, jsonRequest(http.MethodGet, "/api/v1/rate-limits", "new-user", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "Free", view["tier"])
	conv := view["conversionPolicy"].(map[string]interface{})
	assert.EqualValues(t, 20, conv["effectivePermitLimit"])
	assert.EqualValues(t, 60, conv["effectiveWindowMinutes"])
}

func TestAPI_AdminQuotaUpdate(t *testing.T) {
	env := newTestEnv(t, envOptions{conversions: 1})
	require.Equal(t, http.StatusOK, convert(t, env, "user-1").Code)

	w := serve(env, jsonRequest(http.MethodPut, "/api/v1/admin/users/user-1/quota", "root", "admin", `{"conversionsLimit":5,"bytesLimit":1048576}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 4, decode(t, w)["remainingConversions"])

	assert.Equal(t, http.StatusOK, convert(t, env, "user-1").Code)

	w = serve(env, jsonRequest(http.MethodPut, "/api/v1/admin/users/user-1/quota", "root", "admin", `{"conversionsLimit":-1,"bytesLimit":1}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(env, jsonRequest(http.MethodPut, "/api/v1/admin/users/user-1/quota", "root", "admin", `{"conversionsLimit":5}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_UsageHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, convert(t, env, "user-1").Code)

	w := serve(env, jsonRequest(http.MethodGet, "/api/v1/usage/history?months=3", "user-1", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]interface{})
	require.Len(t, items, 1)
	assert.EqualValues(t, 2026, items[0].(map[string]interface{})["year"])

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/usage/history?months=0", "user-1", "", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_AsyncConversion(t *testing.T) {
	env := newTestEnv(t, envOptions{async: true})

	w := serve(env, uploadRequest(t, "/api/v1/conversions/async", "user-1", "notes.md", []byte("# hi"), map[string]string{"targetFormat": "pdfa"}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Pending", body["status"])
	require.Len(t, env.queue.enqueued, 1)
	assert.Equal(t, body["id"], env.queue.enqueued[0].String())

	w = serve(env, jsonRequest(http.MethodGet, "/api/v1/conversions/"+env.queue.enqueued[0].String()+"/download", "user-1", "", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound.Output", decode(t, w)["code"])
}

func TestAPI_AsyncDisabled(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := serve(env, uploadRequest(t, "/api/v1/conversions/async", "user-1", "a.docx", []byte("x"), map[string]string{"targetFormat": "pdf"}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_BadJobID(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := serve(env, jsonRequest(http.MethodGet, "/api/v1/conversions/not-a-uuid", "user-1", "", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, convert(t, env, "user-1").Code)
	assert.Equal(t, http.StatusOK, serve(env, jsonRequest(http.MethodGet, "/healthz", "", "", "")).Code)
	assert.Equal(t, http.StatusOK, serve(env, jsonRequest(http.MethodGet, "/readyz", "", "", "")).Code)

	w := serve(env, jsonRequest(http.MethodGet, "/metrics", "", "", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "convertapi_admission_decisions_total")
}

func TestErrorHandler_GenericError(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler())
	router.GET("/err", func(c *gin.Context) {
		_ = c.Error(errors.New("something unexpected"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/err", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Internal", body["code"])
}
