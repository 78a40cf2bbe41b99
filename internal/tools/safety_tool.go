package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"storyteller/internal/model"
)

// SafetyTool 实现eino框架的儿童内容安全检查工具，基于关键词规则打分
type SafetyTool struct {
	Threshold float64 // 通过所需的最低分数
}

// SafetyToolArgs 安全检查请求参数
type SafetyToolArgs struct {
	Content  string `json:"content"`   // 待检查正文
	ChildAge int    `json:"child_age"` // 孩子年龄
}

// 不适合儿童的主题关键词
var inappropriateThemes = []string{"violence", "scary", "horror", "death", "war"}

// 低龄儿童需要降级的情绪词
var intenseWords = []string{"afraid", "worried", "scared"}

// NewSafetyTool 创建安全检查工具实例
func NewSafetyTool(threshold float64) *SafetyTool {
	return &SafetyTool{Threshold: threshold}
}

// Info 获取安全检查工具信息
func (t *SafetyTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := map[string]*schema.ParameterInfo{
		"content":   {Type: schema.String, Required: true, Desc: "待检查的故事正文"},
		"child_age": {Type: schema.Integer, Required: false, Desc: "孩子年龄，默认9"},
	}
	return &schema.ToolInfo{
		Name:        "content_safety_check",
		Desc:        "对儿童故事内容做安全检查，返回是否通过、分数和问题列表",
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

// InvokableRun 执行安全检查
func (t *SafetyTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...einotool.Option) (string, error) {
	var args SafetyToolArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", err
	}
	if args.Content == "" {
		return "", errors.New("content required")
	}

	verdict := t.Check(args.Content, args.ChildAge)
	b, err := json.Marshal(verdict)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Check 对正文打分。从满分1.0开始，每类命中按规则压低分数
func (t *SafetyTool) Check(content string, childAge int) model.SafetyVerdict {
	if childAge == 0 {
		childAge = 9
	}

	score := 1.0
	issues := []string{}
	lower := strings.ToLower(content)

	for _, theme := range inappropriateThemes {
		if strings.Contains(lower, theme) {
			issues = append(issues, fmt.Sprintf("Contains %s theme", theme))
			score = min(score, 0.7)
		}
	}

	if childAge < 8 {
		for _, word := range intenseWords {
			if strings.Contains(lower, word) {
				issues = append(issues, "May be too intense for younger children")
				score = min(score, 0.8)
				break
			}
		}
	}

	return model.SafetyVerdict{
		Approved: score >= t.Threshold,
		Score:    score,
		Issues:   issues,
	}
}

// 确保SafetyTool实现了einotool.InvokableTool接口
var _ einotool.InvokableTool = (*SafetyTool)(nil)
