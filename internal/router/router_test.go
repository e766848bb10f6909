package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lp_gen_v1_202610/internal/controller"
	"lp_gen_v1_202610/internal/middleware"
	"lp_gen_v1_202610/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T, opts Options, trustedProxies ...string) *gin.Engine {
	svc := service.NewLandingPageService(nil, service.NewArchiveAssembler(), nil, nil, nil, nil, service.LandingServiceOptions{}, nil)

	r, err := NewEngine(nil, trustedProxies)
	require.NoError(t, err)
	InitRoutes(r, opts,
		controller.NewLandingController(svc, 0, 0),
		controller.NewUsageController(svc, nil),
	)
	return r
}

func TestInitRoutes_Registered(t *testing.T) {
	r := setupTestRouter(t, Options{})

	registered := make(map[string]bool)
	for _, route := range r.Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /healthz",
		"POST /api/landing-pages",
		"POST /api/landing-pages/jobs",
		"GET /api/landing-pages/jobs/:job_id",
		"GET /api/landing-pages/jobs/:job_id/stream",
		"POST /api/company-info/preview",
		"GET /api/usage",
	} {
		assert.True(t, registered[want], "缺少路由 %s", want)
	}
	assert.False(t, registered["GET /archives/*filepath"])
}

func TestInitRoutes_HealthHasRequestID(t *testing.T) {
	r := setupTestRouter(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
}

func TestInitRoutes_ServesLocalArchives(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/2026/10/16/job-1.zip", []byte("PK-archive"), 0o644))

	r := setupTestRouter(t, Options{ArchiveFs: fs})

	req := httptest.NewRequest(http.MethodGet, "/archives/2026/10/16/job-1.zip", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PK-archive", w.Body.String())
}

func TestInitRoutes_RateLimitsGeneration(t *testing.T) {
	r := setupTestRouter(t, Options{RateLimiter: middleware.NewClientRateLimiter(1.0/60, 1)})

	// 第一个请求通过限流，因参数缺失返回 400
	req := httptest.NewRequest(http.MethodPost, "/api/landing-pages", nil)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/landing-pages", nil)
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestInitRoutes_RateLimitIgnoresForwardedForByDefault(t *testing.T) {
	r := setupTestRouter(t, Options{RateLimiter: middleware.NewClientRateLimiter(0.01, 1)})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/landing-pages", nil)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	// 同一连接地址伪造不同 X-Forwarded-For 不能绕过限流
	assert.Equal(t, http.StatusBadRequest, codes[0])
	for _, code := range codes[1:] {
		assert.Equal(t, http.StatusTooManyRequests, code)
	}
}

func TestInitRoutes_RateLimitUsesTrustedProxyHeader(t *testing.T) {
	// httptest 请求的连接地址为 192.0.2.1
	r := setupTestRouter(t, Options{RateLimiter: middleware.NewClientRateLimiter(0.01, 1)}, "192.0.2.1")

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/landing-pages", nil)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "可信代理转发的不同客户端分别限流")
	}
}

func TestNewEngine_InvalidTrustedProxy(t *testing.T) {
	_, err := NewEngine(nil, []string{"not-an-ip"})
	assert.Error(t, err)
}
