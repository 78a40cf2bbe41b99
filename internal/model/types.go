package model

import "time"

// GenerationRequest 故事生成请求
type GenerationRequest struct {
	ParentID        int64  `json:"-"`                 // 发起请求的家长ID，由认证层填入
	ChildID         int64  `json:"child_id"`          // 孩子ID
	Theme           string `json:"theme"`             // 故事主题
	ChapterNumber   int    `json:"chapter_number"`    // 章节编号，默认1
	Title           string `json:"title,omitempty"`   // 可选标题
	CustomUserInput string `json:"custom_user_input"` // 上一次选择后的自由输入，可为空
}

// ChildProfile 孩子档案
type ChildProfile struct {
	ID              int64    `json:"id"`               // 孩子ID
	ParentID        int64    `json:"parent_id"`        // 家长ID
	Name            string   `json:"name"`             // 名字
	Age             int      `json:"age"`              // 年龄
	ReadingLevel    string   `json:"reading_level"`    // 阅读水平 beginner/intermediate/advanced
	Language        string   `json:"language"`         // 语言偏好
	Interests       []string `json:"interests"`        // 兴趣列表
	VocabularyLevel int      `json:"vocabulary_level"` // 词汇水平 0-100
}

// Choice 故事分支选项
type Choice struct {
	ID          string `json:"id"`          // 选项ID
	Text        string `json:"text"`        // 选项文本
	Description string `json:"description"` // 选项说明
}

// SafetyVerdict 内容安全检查结果
type SafetyVerdict struct {
	Approved bool     `json:"approved"` // 是否通过
	Score    float64  `json:"score"`    // 安全分数 0-1
	Issues   []string `json:"issues"`   // 检出的问题列表
}

// StoryMetadata 故事阅读指标
type StoryMetadata struct {
	EstimatedReadingTime int      `json:"estimated_reading_time"` // 预计阅读时长（分钟）
	VocabularyLevel      string   `json:"vocabulary_level"`       // 词汇水平
	EducationalElements  []string `json:"educational_elements"`   // 教育元素标签
}

// StoryRecord 最终生成的故事记录，terminal-success事件的载荷
type StoryRecord struct {
	ID                   string    `json:"id"`                     // 故事ID
	Title                string    `json:"title"`                  // 标题
	Theme                string    `json:"theme"`                  // 主题
	Content              []string  `json:"content"`                // 按段落拆分的正文
	ChoiceQuestion       string    `json:"choice_question"`        // 选项共享的情境问题
	Choices              []Choice  `json:"choices"`                // 后续分支选项
	Language             string    `json:"language"`               // 语言
	ReadingLevel         string    `json:"reading_level"`          // 阅读水平
	EducationalElements  []string  `json:"educational_elements"`   // 教育元素标签
	EstimatedReadingTime int       `json:"estimated_reading_time"` // 预计阅读时长（分钟）
	VocabularyLevel      string    `json:"vocabulary_level"`       // 词汇水平
	SafetyScore          float64   `json:"safety_score"`           // 安全分数
	IsCompleted          bool      `json:"is_completed"`           // 故事是否完结
	ChapterNumber        int       `json:"chapter_number"`         // 本章编号，以此为准
	TotalChapters        int       `json:"total_chapters"`         // 总章节数
	CreatedAt            time.Time `json:"created_at"`             // 创建时间
}

// PreviousChoice 上一章做出的选择，用于生成提示词上下文
type PreviousChoice struct {
	Question     string `json:"question"`      // 当时的问题
	ChosenOption string `json:"chosen_option"` // 选中的选项文本
}
