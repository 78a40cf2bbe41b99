// Package service glues the HTTP layer to the story pipeline: request
// validation, child access checks, prompt context assembly and the
// persistence handoff for finished stories.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storyteller/internal/config"
	"storyteller/internal/event"
	"storyteller/internal/model"
	"storyteller/internal/store"
	"storyteller/internal/workflow"
)

var (
	// ErrInvalidRequest marks a request missing required fields.
	ErrInvalidRequest = errors.New("service: invalid request")
	// ErrAccessDenied marks a child profile owned by a different parent.
	ErrAccessDenied = errors.New("service: access denied to this child profile")
)

// StoryService coordinates story generation runs.
type StoryService struct {
	store    *store.Store
	pipeline *workflow.Pipeline
	cfg      config.Config
}

// NewStoryService creates the service.
func NewStoryService(st *store.Store, pipeline *workflow.Pipeline, cfg config.Config) *StoryService {
	return &StoryService{store: st, pipeline: pipeline, cfg: cfg}
}

// Prepare validates and authorizes a generation request and assembles the
// pipeline input. All failures here happen before any stream is opened:
// callers map them to conventional status codes, never to stream frames.
func (s *StoryService) Prepare(ctx context.Context, req model.GenerationRequest) (workflow.Input, error) {
	if req.ChildID == 0 {
		return workflow.Input{}, fmt.Errorf("%w: child_id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Theme) == "" {
		return workflow.Input{}, fmt.Errorf("%w: theme required", ErrInvalidRequest)
	}
	if req.ChapterNumber <= 0 {
		req.ChapterNumber = 1
	}

	ok, err := s.store.CheckChildAccess(ctx, req.ChildID, req.ParentID)
	if err != nil {
		return workflow.Input{}, err
	}
	if !ok {
		return workflow.Input{}, ErrAccessDenied
	}
	child, err := s.store.GetChild(ctx, req.ChildID)
	if err != nil {
		return workflow.Input{}, err
	}

	previous, err := s.store.PreviousChapters(ctx, req.ChildID, req.Theme, req.ChapterNumber)
	if err != nil {
		return workflow.Input{}, err
	}

	var prevChoice *model.PreviousChoice
	if req.CustomUserInput != "" {
		prevChoice = &model.PreviousChoice{
			Question:     "Custom user input",
			ChosenOption: req.CustomUserInput,
		}
	}

	return workflow.Input{
		RunID:            uuid.NewString(),
		Request:          req,
		Child:            child,
		PreviousChapters: previous,
		PreviousChoice:   prevChoice,
	}, nil
}

// Stream runs the pipeline for a prepared input, emitting events to the
// sink, bounded by the configured run timeout. On success the finished story
// is handed off to the store in the background; a persistence failure is
// logged and never reaches the stream.
func (s *StoryService) Stream(ctx context.Context, in workflow.Input, sink event.Sink) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout())
	defer cancel()

	record, err := s.pipeline.Run(runCtx, in, sink)
	if err != nil || record == nil {
		return
	}

	go s.persist(in.Request.ChildID, *record)
}

func (s *StoryService) persist(childID int64, rec model.StoryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.SaveStory(ctx, childID, rec); err != nil {
		logrus.WithError(err).WithField("story_id", rec.ID).Error("failed to persist finished story")
		return
	}
	logrus.WithField("story_id", rec.ID).Info("story saved")
}

// Generate is the non-streaming variant: it runs the same pipeline against a
// collecting sink and returns the finished record, or the terminal error.
func (s *StoryService) Generate(ctx context.Context, req model.GenerationRequest) (*model.StoryRecord, error) {
	in, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout())
	defer cancel()

	record, err := s.pipeline.Run(runCtx, in, &collectSink{})
	if err != nil {
		return nil, err
	}
	go s.persist(req.ChildID, *record)
	return record, nil
}

// CreateChild registers a child profile for a parent.
func (s *StoryService) CreateChild(ctx context.Context, child model.ChildProfile) (model.ChildProfile, error) {
	if strings.TrimSpace(child.Name) == "" {
		return model.ChildProfile{}, fmt.Errorf("%w: name required", ErrInvalidRequest)
	}
	if child.ParentID == 0 {
		return model.ChildProfile{}, fmt.Errorf("%w: parent required", ErrInvalidRequest)
	}
	if child.Age == 0 {
		child.Age = 9
	}
	if child.ReadingLevel == "" {
		child.ReadingLevel = "beginner"
	}
	if child.Language == "" {
		child.Language = "english"
	}
	return s.store.CreateChild(ctx, child)
}

// ListStories returns a child's stories after verifying access.
func (s *StoryService) ListStories(ctx context.Context, parentID, childID int64, limit int) ([]model.StoryRecord, error) {
	ok, err := s.store.CheckChildAccess(ctx, childID, parentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}
	return s.store.ListStories(ctx, childID, limit)
}

// collectSink drops intermediate events; only the non-streaming path uses it,
// where the terminal payload is returned directly.
type collectSink struct {
	mu sync.Mutex
}

func (c *collectSink) Send(ctx context.Context, ev event.StageEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ctx.Err()
}

var _ event.Sink = (*collectSink)(nil)
