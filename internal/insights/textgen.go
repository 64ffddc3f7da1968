package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"artemis-health/internal/config"
	"artemis-health/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// textGenResponse 外部文本生成服务的响应
type textGenResponse struct {
	Insight string `json:"insight"`
}

// TextGenerator 洞察文本生成
// 配置了外部服务时优先调用，失败或未配置时回退到本地模板
type TextGenerator struct {
	httpClient *resty.Client
	enabled    bool
	logger     *zap.Logger
}

// NewTextGenerator 创建洞察文本生成器
func NewTextGenerator(cfg *config.Config, logger *zap.Logger) *TextGenerator {
	g := &TextGenerator{
		enabled: cfg.Insights.TextGenURL != "",
		logger:  logger,
	}

	if g.enabled {
		g.httpClient = resty.New().
			SetBaseURL(cfg.Insights.TextGenURL).
			SetTimeout(cfg.Insights.TextGenTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	}

	return g
}

// Generate 为一次评分快照生成洞察文本
func (g *TextGenerator) Generate(ctx context.Context, insightCtx *models.InsightContext) string {
	if g.enabled {
		var response textGenResponse
		resp, err := g.httpClient.R().
			SetContext(ctx).
			SetBody(insightCtx).
			SetResult(&response).
			Post("")

		if err != nil {
			g.logger.Warn("Insight text generation failed, using template",
				zap.String("user_id", insightCtx.UserID),
				zap.Error(err),
			)
		} else if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			g.logger.Warn("Insight text generation returned error, using template",
				zap.String("user_id", insightCtx.UserID),
				zap.Int("status_code", resp.StatusCode()),
			)
		} else if response.Insight != "" {
			return response.Insight
		}
	}

	return templateInsight(insightCtx)
}

// templateInsight 本地模板兜底
func templateInsight(insightCtx *models.InsightContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Overall health is %s with a score of %.0f.",
		strings.ToLower(insightCtx.Status), insightCtx.Score)
	fmt.Fprintf(&b, " Medication adherence is %.0f%% over the recent window.",
		insightCtx.AdherenceRate*100)

	if len(insightCtx.ActiveAlerts) > 0 {
		kinds := make([]string, 0, len(insightCtx.ActiveAlerts))
		for _, alert := range insightCtx.ActiveAlerts {
			kinds = append(kinds, string(alert.VitalKind))
		}
		fmt.Fprintf(&b, " Active alerts: %s.", strings.Join(kinds, ", "))
	}

	kinds := make([]models.VitalKind, 0, len(insightCtx.Trends))
	for kind := range insightCtx.Trends {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		if trend := insightCtx.Trends[kind]; trend.Direction != models.TrendStable {
			fmt.Fprintf(&b, " %s is trending %s.", kind, trend.Direction)
		}
	}

	return b.String()
}
