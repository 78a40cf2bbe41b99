package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	storymodel "storyteller/internal/model"
)

// StoryTool 实现eino框架的故事章节生成工具
type StoryTool struct {
	chatModel model.BaseChatModel
}

// StoryToolArgs 章节生成请求参数
type StoryToolArgs struct {
	Theme            string                     `json:"theme"`                        // 故事主题
	ChapterNumber    int                        `json:"chapter_number"`               // 章节编号
	Child            storymodel.ChildProfile    `json:"child"`                        // 孩子档案，用于个性化
	PreviousChapters []string                   `json:"previous_chapters,omitempty"`  // 之前章节全文
	PreviousChoice   *storymodel.PreviousChoice `json:"previous_choice,omitempty"`    // 上一章做出的选择
	CustomUserInput  string                     `json:"custom_user_input,omitempty"`  // 孩子的自由输入
	RevisionIssues   []string                   `json:"revision_issues,omitempty"`    // 安全检查标记的问题（增强重写用）
	RevisionContent  string                     `json:"revision_content,omitempty"`   // 需要重写的原文（增强重写用）
}

// StoryToolResp 章节生成响应
type StoryToolResp struct {
	StoryContent        string             `json:"story_content"`        // 章节正文
	ChoiceQuestion      string             `json:"choice_question"`      // 选项问题
	Choices             []storymodel.Choice `json:"choices"`             // 分支选项
	EducationalElements []string           `json:"educational_elements"` // 教育元素
	VocabularyWords     []string           `json:"vocabulary_words"`     // 生词列表
}

// ErrNoStoryPayload 表示模型回复里没有可用的故事内容
var ErrNoStoryPayload = errors.New("story response carried no usable payload")

const storyWriterInstruction = "You are an expert children's story writer creating educational, engaging, and safe content."

const enhancerInstruction = "You are a content safety specialist for children's educational materials."

// NewStoryTool 创建故事生成工具实例
func NewStoryTool(chatModel model.BaseChatModel) *StoryTool {
	return &StoryTool{chatModel: chatModel}
}

// Info 获取故事生成工具信息
func (t *StoryTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := map[string]*schema.ParameterInfo{
		"theme":          {Type: schema.String, Required: true, Desc: "故事主题"},
		"chapter_number": {Type: schema.Integer, Required: false, Desc: "章节编号，默认1"},
	}
	return &schema.ToolInfo{
		Name:        "story_generate",
		Desc:        "根据孩子档案和主题生成一章个性化儿童故事，返回正文、分支选项和教育元素",
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

// InvokableRun 执行章节生成
func (t *StoryTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...einotool.Option) (string, error) {
	var args StoryToolArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", err
	}
	if args.Theme == "" {
		return "", errors.New("theme required")
	}

	resp, err := t.Generate(ctx, args)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Generate 生成一章故事并解析为结构化结果
func (t *StoryTool) Generate(ctx context.Context, args StoryToolArgs) (*StoryToolResp, error) {
	userPrompt := buildStoryPrompt(args)

	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage(storyWriterInstruction),
		&schema.Message{Role: schema.User, Content: "{prompt}"})
	messages, err := template.Format(ctx, map[string]any{"prompt": userPrompt})
	if err != nil {
		return nil, fmt.Errorf("format story prompt: %w", err)
	}

	reply, err := t.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("chat model: %w", err)
	}

	resp, err := parseStoryResponse(reply.Content)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Enhance 根据安全检查标记的问题重写正文，只返回改写后的故事文本
func (t *StoryTool) Enhance(ctx context.Context, args StoryToolArgs) (string, error) {
	if args.RevisionContent == "" {
		return "", errors.New("revision content required")
	}

	var b strings.Builder
	b.WriteString("Please review and enhance this children's story content to make it more appropriate and safe:\n\n")
	b.WriteString("Original content: ")
	b.WriteString(args.RevisionContent)
	b.WriteString("\n\nIssues identified: ")
	b.WriteString(strings.Join(args.RevisionIssues, ", "))
	fmt.Fprintf(&b, "\nChild age: %d years\n\n", args.Child.Age)
	b.WriteString("Please:\n")
	b.WriteString("1. Remove or soften any inappropriate content\n")
	b.WriteString("2. Ensure age-appropriate language and themes\n")
	b.WriteString("3. Maintain the educational and engaging aspects\n")
	b.WriteString("4. Keep the same story structure and choice points\n\n")
	b.WriteString("Return only the enhanced story content.")

	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage(enhancerInstruction),
		&schema.Message{Role: schema.User, Content: "{prompt}"})
	messages, err := template.Format(ctx, map[string]any{"prompt": b.String()})
	if err != nil {
		return "", fmt.Errorf("format enhancement prompt: %w", err)
	}

	reply, err := t.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("chat model: %w", err)
	}
	return strings.TrimSpace(reply.Content), nil
}

// buildStoryPrompt 按孩子档案和上下文拼装提示词
func buildStoryPrompt(args StoryToolArgs) string {
	child := args.Child
	age := child.Age
	if age == 0 {
		age = 9
	}
	language := child.Language
	if language == "" {
		language = "english"
	}
	readingLevel := child.ReadingLevel
	if readingLevel == "" {
		readingLevel = "beginner"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a storyteller narrating directly to a child aged %d. Write as if you are telling the story in person.\n", age)
	fmt.Fprintf(&b, "Continue the %s story. Write Chapter %d naturally and engagingly, building upon the established story.\n\n", args.Theme, args.ChapterNumber)

	b.WriteString("CHILD PROFILE:\n")
	fmt.Fprintf(&b, "- Age: %d years old\n", age)
	fmt.Fprintf(&b, "- Language: %s\n", language)
	fmt.Fprintf(&b, "- Reading Level: %s\n", readingLevel)
	fmt.Fprintf(&b, "- Interests: %s\n", strings.Join(child.Interests, ", "))
	fmt.Fprintf(&b, "- Vocabulary Level: %d/100\n\n", child.VocabularyLevel)

	b.WriteString("WRITING STYLE:\n")
	b.WriteString("- Write in direct storytelling voice (no meta-commentary like 'Here is Chapter X')\n")
	b.WriteString("- Start immediately with the story content\n")
	b.WriteString("- Write 3-5 engaging paragraphs separated by blank lines\n")
	b.WriteString("- Use vocabulary appropriate for the reading level with 2-3 challenging words\n")
	b.WriteString("- Include diverse characters and positive values\n")

	if len(args.PreviousChapters) > 0 {
		b.WriteString("\nSTORY CONTEXT - What happened before:\n")
		for i, chapter := range args.PreviousChapters {
			fmt.Fprintf(&b, "Chapter %d: %s\n", i+1, summarizeChapter(chapter))
		}
		b.WriteString("\nCONTINUITY REQUIREMENTS:\n")
		b.WriteString("- Reference and build upon characters, relationships, and events from previous chapters\n")
		b.WriteString("- Maintain the established tone, world-building, and character personalities\n")
		fmt.Fprintf(&b, "- This is Chapter %d, so the story should feel like a natural continuation\n", args.ChapterNumber)
	}

	if args.PreviousChoice != nil {
		b.WriteString("\nPREVIOUS STORY DECISION:\n")
		fmt.Fprintf(&b, "- %s: '%s'\n", args.PreviousChoice.Question, args.PreviousChoice.ChosenOption)
		b.WriteString("Continue the story honoring this decision and its consequences.\n")
	}

	if args.CustomUserInput != "" {
		b.WriteString("\nCUSTOM USER INPUT:\n")
		fmt.Fprintf(&b, "The child has expressed: %q\n", args.CustomUserInput)
		b.WriteString("Please incorporate this message naturally into the story progression and respond to it meaningfully.\n")
	}

	b.WriteString("\nOUTPUT FORMAT MUST BE JSON!!!\n")
	b.WriteString("JSON output example:\n")
	b.WriteString(`{
"story_content": "ONLY the pure story text that continues seamlessly from previous chapters",
"choice_question": "A single contextual question the choices answer",
"choices": [{"text": "A specific choice option", "description": "What this choice leads to"}],
"educational_elements": ["Array of learning opportunities in this chapter"],
"vocabulary_words": ["Array of challenging words used"]
}`)

	return b.String()
}

// summarizeChapter 取前后片段作为上下文摘要，避免提示词过长
func summarizeChapter(content string) string {
	words := strings.Fields(content)
	if len(words) <= 100 {
		if len(content) > 400 {
			return content[:400]
		}
		return content
	}
	summary := strings.Join(words[:60], " ") + "... " + strings.Join(words[len(words)-40:], " ")
	if len(summary) > 400 {
		summary = summary[:400]
	}
	return summary
}

// parseStoryResponse 解析模型返回的JSON，容忍```json围栏和夹杂的说明文字
func parseStoryResponse(content string) (*StoryToolResp, error) {
	cleaned := strings.TrimSpace(content)
	if idx := strings.Index(cleaned, "```json"); idx >= 0 {
		cleaned = cleaned[idx+len("```json"):]
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
	} else if idx := strings.Index(cleaned, "```"); idx >= 0 {
		cleaned = cleaned[idx+3:]
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
	}
	// 取最外层大括号之间的内容
	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}

	var resp StoryToolResp
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v, raw: %s", ErrNoStoryPayload, err, truncate(content, 200))
	}
	resp.StoryContent = cleanStoryContent(resp.StoryContent)
	if resp.StoryContent == "" && resp.ChoiceQuestion == "" && len(resp.Choices) == 0 {
		return nil, ErrNoStoryPayload
	}
	return &resp, nil
}

// cleanStoryContent 去掉模型偶尔混入的前缀和转义
func cleanStoryContent(text string) string {
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = strings.ReplaceAll(text, `\"`, `"`)
	for _, prefix := range []string{"Here is the story:", "Here's the story:"} {
		text = strings.ReplaceAll(text, prefix, "")
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// 确保StoryTool实现了einotool.InvokableTool接口
var _ einotool.InvokableTool = (*StoryTool)(nil)
