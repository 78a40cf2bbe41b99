// Package workflow runs the story generation pipeline: a fixed sequence of
// stages that emits typed events to a single sink as it progresses. One
// pipeline run serves one request; independent runs share nothing.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storyteller/internal/config"
	"storyteller/internal/event"
	"storyteller/internal/model"
	"storyteller/internal/tools"
)

// Stage (node) names as they appear in node_event payloads.
const (
	NodeGenerateContent  = "generate_content"
	NodeSafetyCheck      = "safety_check"
	NodeEnhanceContent   = "enhance_content"
	NodeCalculateMetrics = "calculate_metrics"
)

// Terminal error codes carried in error frames.
const (
	CodeGenerationFailed    = "GENERATION_FAILED"
	CodeEmptyContent        = "EMPTY_CONTENT"
	CodeEnhancementFailed   = "ENHANCEMENT_FAILED"
	CodeSafetyCheckFailed   = "SAFETY_CHECK_FAILED"
	CodeContentSafetyFailed = "content-safety-failed"
	CodeTimeout             = "TIMEOUT"
)

// stageError is a pipeline failure that must surface as exactly one terminal
// error frame.
type stageError struct {
	code    string
	message string
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Input is everything one run needs. Immutable once the run starts.
type Input struct {
	RunID            string
	Request          model.GenerationRequest
	Child            model.ChildProfile
	PreviousChapters []string
	PreviousChoice   *model.PreviousChoice
}

// Pipeline executes the stage sequence. Safe for concurrent use: all run
// state lives on the stack of Run.
type Pipeline struct {
	storyTool  *tools.StoryTool
	safetyTool *tools.SafetyTool
	cfg        config.Generation
}

// New creates a pipeline over the given tools.
func New(storyTool *tools.StoryTool, safetyTool *tools.SafetyTool, cfg config.Generation) *Pipeline {
	return &Pipeline{storyTool: storyTool, safetyTool: safetyTool, cfg: cfg}
}

// Run executes all stages for one request, emitting events to sink in stage
// order. Exactly one terminal event is emitted per run unless the sink itself
// dies first, in which case the run is abandoned without further emission
// attempts. On success the assembled story record is returned for the
// persistence handoff; the same record has already been sent as the
// terminal-success payload.
func (p *Pipeline) Run(ctx context.Context, in Input, sink event.Sink) (*model.StoryRecord, error) {
	log := logrus.WithFields(logrus.Fields{
		"run_id":   in.RunID,
		"child_id": in.Request.ChildID,
		"theme":    in.Request.Theme,
		"chapter":  in.Request.ChapterNumber,
	})

	record, err := p.execute(ctx, in, sink, log)
	if err == nil {
		return record, nil
	}

	var se *stageError
	if errors.As(err, &se) {
		log.WithError(err).Warn("pipeline run failed")
		// The run deadline may already have expired (that is how TIMEOUT
		// arises), so the terminal frame is delivered on a detached context.
		if sendErr := sink.Send(context.WithoutCancel(ctx), event.Error(se.code, se.message)); sendErr != nil {
			log.WithError(sendErr).Debug("could not deliver terminal error")
		}
		return nil, err
	}

	// Sink failure or client cancellation: the sole consumer is gone, so no
	// terminal frame is attempted.
	log.WithError(err).Info("pipeline run abandoned")
	return nil, err
}

func (p *Pipeline) execute(ctx context.Context, in Input, sink event.Sink, log *logrus.Entry) (*model.StoryRecord, error) {
	// Stage 1: content generation.
	if err := sink.Send(ctx, event.StageStarted(NodeGenerateContent)); err != nil {
		return nil, err
	}
	story, err := p.storyTool.Generate(ctx, tools.StoryToolArgs{
		Theme:            in.Request.Theme,
		ChapterNumber:    in.Request.ChapterNumber,
		Child:            in.Child,
		PreviousChapters: in.PreviousChapters,
		PreviousChoice:   in.PreviousChoice,
		CustomUserInput:  in.Request.CustomUserInput,
	})
	if err != nil {
		return nil, classify(ctx, err, CodeGenerationFailed)
	}
	paragraphs := SplitParagraphs(story.StoryContent)
	if err := p.emitChunks(ctx, sink, NodeGenerateContent, paragraphs); err != nil {
		return nil, err
	}
	if err := sink.Send(ctx, event.StageCompleted(NodeGenerateContent)); err != nil {
		return nil, err
	}

	// Stage 2: safety check on the full text.
	text := strings.Join(paragraphs, "\n\n")
	verdict, err := p.runSafetyCheck(ctx, sink, text, in.Child.Age)
	if err != nil {
		return nil, err
	}

	// Stage 3: bounded enhancement. One rewrite, one safety re-check; a
	// second rejection is terminal.
	if !verdict.Approved || verdict.Score < p.cfg.SafetyThreshold {
		log.WithField("score", verdict.Score).Info("content rejected, running enhancement")
		if err := sink.Send(ctx, event.StageStarted(NodeEnhanceContent)); err != nil {
			return nil, err
		}
		enhanced, err := p.storyTool.Enhance(ctx, tools.StoryToolArgs{
			Child:           in.Child,
			RevisionContent: text,
			RevisionIssues:  verdict.Issues,
		})
		if err != nil {
			return nil, classify(ctx, err, CodeEnhancementFailed)
		}
		paragraphs = SplitParagraphs(enhanced)
		text = strings.Join(paragraphs, "\n\n")
		if err := p.emitChunks(ctx, sink, NodeEnhanceContent, paragraphs); err != nil {
			return nil, err
		}
		if err := sink.Send(ctx, event.StageCompleted(NodeEnhanceContent)); err != nil {
			return nil, err
		}

		verdict, err = p.runSafetyCheck(ctx, sink, text, in.Child.Age)
		if err != nil {
			return nil, err
		}
		if !verdict.Approved || verdict.Score < p.cfg.SafetyThreshold {
			return nil, &stageError{
				code:    CodeContentSafetyFailed,
				message: "content failed safety check after enhancement: " + strings.Join(verdict.Issues, "; "),
			}
		}
	}

	// Stage 4: reading metrics.
	if err := sink.Send(ctx, event.StageStarted(NodeCalculateMetrics)); err != nil {
		return nil, err
	}
	metrics := p.calculateMetrics(text, in.Child, story.EducationalElements)
	if err := sink.Send(ctx, event.Metadata(NodeCalculateMetrics, metrics)); err != nil {
		return nil, err
	}
	if err := sink.Send(ctx, event.StageCompleted(NodeCalculateMetrics)); err != nil {
		return nil, err
	}

	record := p.assembleRecord(in, paragraphs, story, verdict, metrics)
	if err := sink.Send(ctx, event.Complete(*record)); err != nil {
		return nil, err
	}
	return record, nil
}

// runSafetyCheck invokes the safety tool and emits the started / result /
// completed triple for the safety_check node.
func (p *Pipeline) runSafetyCheck(ctx context.Context, sink event.Sink, text string, childAge int) (model.SafetyVerdict, error) {
	if err := sink.Send(ctx, event.StageStarted(NodeSafetyCheck)); err != nil {
		return model.SafetyVerdict{}, err
	}

	// nothing to check in an empty chapter
	verdict := model.SafetyVerdict{Approved: true, Score: 1.0, Issues: []string{}}
	if text != "" {
		args, err := json.Marshal(tools.SafetyToolArgs{Content: text, ChildAge: childAge})
		if err != nil {
			return model.SafetyVerdict{}, classify(ctx, err, CodeSafetyCheckFailed)
		}
		out, err := p.safetyTool.InvokableRun(ctx, string(args))
		if err != nil {
			return model.SafetyVerdict{}, classify(ctx, err, CodeSafetyCheckFailed)
		}
		if err := json.Unmarshal([]byte(out), &verdict); err != nil {
			return model.SafetyVerdict{}, classify(ctx, err, CodeSafetyCheckFailed)
		}
	}

	if err := sink.Send(ctx, event.SafetyResult(NodeSafetyCheck, verdict)); err != nil {
		return model.SafetyVerdict{}, err
	}
	if err := sink.Send(ctx, event.StageCompleted(NodeSafetyCheck)); err != nil {
		return model.SafetyVerdict{}, err
	}
	return verdict, nil
}

func (p *Pipeline) emitChunks(ctx context.Context, sink event.Sink, stage string, paragraphs []string) error {
	for _, para := range paragraphs {
		if err := sink.Send(ctx, event.Content(stage, para)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) calculateMetrics(text string, child model.ChildProfile, educational []string) model.StoryMetadata {
	wordCount := len(strings.Fields(text))

	level := child.ReadingLevel
	if level == "" {
		level = "beginner"
	}
	wpm := p.cfg.WordsPerMinute[level]
	if wpm == 0 {
		wpm = 120
	}
	readingTime := (wordCount + wpm - 1) / wpm
	if readingTime < 1 {
		readingTime = 1
	}

	if len(educational) == 0 {
		educational = []string{"Reading comprehension", "Decision making"}
	}
	return model.StoryMetadata{
		EstimatedReadingTime: readingTime,
		VocabularyLevel:      level,
		EducationalElements:  educational,
	}
}

func (p *Pipeline) assembleRecord(in Input, paragraphs []string, story *tools.StoryToolResp, verdict model.SafetyVerdict, metrics model.StoryMetadata) *model.StoryRecord {
	title := in.Request.Title
	if title == "" {
		title = titleCase(in.Request.Theme) + " Adventure"
	}
	language := in.Child.Language
	if language == "" {
		language = "english"
	}

	choices := make([]model.Choice, 0, len(story.Choices))
	for _, c := range story.Choices {
		if c.Text == "" {
			continue
		}
		choices = append(choices, model.Choice{
			ID:          uuid.NewString(),
			Text:        c.Text,
			Description: c.Description,
		})
	}

	if paragraphs == nil {
		paragraphs = []string{}
	}
	return &model.StoryRecord{
		ID:                   in.RunID,
		Title:                title,
		Theme:                in.Request.Theme,
		Content:              paragraphs,
		ChoiceQuestion:       story.ChoiceQuestion,
		Choices:              choices,
		Language:             language,
		ReadingLevel:         metrics.VocabularyLevel,
		EducationalElements:  metrics.EducationalElements,
		EstimatedReadingTime: metrics.EstimatedReadingTime,
		VocabularyLevel:      metrics.VocabularyLevel,
		SafetyScore:          verdict.Score,
		IsCompleted:          in.Request.ChapterNumber >= p.cfg.TotalChapters,
		ChapterNumber:        in.Request.ChapterNumber,
		TotalChapters:        p.cfg.TotalChapters,
		CreatedAt:            time.Now().UTC(),
	}
}

// classify maps a stage failure to its terminal error. Client cancellation is
// passed through untouched so the run is abandoned instead of framed; a
// deadline hit becomes the timeout terminal.
func classify(ctx context.Context, err error, code string) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &stageError{code: CodeTimeout, message: "story generation timed out"}
	}
	if code == CodeGenerationFailed && errors.Is(err, tools.ErrNoStoryPayload) {
		return &stageError{code: CodeEmptyContent, message: "LLM did not generate valid story content"}
	}
	return &stageError{code: code, message: err.Error()}
}

// SplitParagraphs breaks story text on blank lines, dropping empties and
// anything that looks like leaked JSON structure.
func SplitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "{}") || strings.Contains(p, "```") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
