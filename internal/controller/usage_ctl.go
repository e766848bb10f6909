package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lp_gen_v1_202610/internal/api/dto"
	"lp_gen_v1_202610/internal/service"
)

// UsageController 用量统计与健康检查
type UsageController struct {
	landingService *service.LandingPageService
	status         func() map[string]interface{}
	now            func() time.Time
}

// NewUsageController status 可为 nil，用于健康检查附带后台任务状态
func NewUsageController(landingService *service.LandingPageService, status func() map[string]interface{}) *UsageController {
	return &UsageController{
		landingService: landingService,
		status:         status,
		now:            time.Now,
	}
}

// GetUsage 查询生成服务用量
// @Summary 图片生成调用统计
// @Tags Usage
// @Param from query string false "开始时间 RFC3339，默认 24 小时前"
// @Param to query string false "结束时间 RFC3339，默认当前时间"
// @Success 200 {object} dto.UsageResponse
// @Router /api/usage [get]
func (ctrl *UsageController) GetUsage(c *gin.Context) {
	var query dto.UsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBadRequest(c, "参数错误: "+err.Error())
		return
	}

	to := ctrl.now()
	if query.To != "" {
		parsed, err := time.Parse(time.RFC3339, query.To)
		if err != nil {
			respondBadRequest(c, "to 格式应为 RFC3339")
			return
		}
		to = parsed
	}

	from := to.Add(-24 * time.Hour)
	if query.From != "" {
		parsed, err := time.Parse(time.RFC3339, query.From)
		if err != nil {
			respondBadRequest(c, "from 格式应为 RFC3339")
			return
		}
		from = parsed
	}

	result, err := ctrl.landingService.GetUsage(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, result)
}

// Health 存活检查
func (ctrl *UsageController) Health(c *gin.Context) {
	data := gin.H{"status": "ok", "time": ctrl.now().UTC().Format(time.RFC3339)}
	if ctrl.status != nil {
		data["tasks"] = ctrl.status()
	}
	respondOK(c, http.StatusOK, data)
}
