// Package store persists child profiles and finished stories in SQLite. The
// streaming pipeline only reads child data before a run and writes the story
// record after the terminal event; nothing here sits on the hot path of a
// stream.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"storyteller/internal/model"
)

var (
	ErrChildNotFound = errors.New("store: child not found")
	ErrStoryNotFound = errors.New("store: story not found")
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS children (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	age INTEGER NOT NULL DEFAULT 9,
	reading_level TEXT NOT NULL DEFAULT 'beginner',
	language TEXT NOT NULL DEFAULT 'english',
	interests TEXT NOT NULL DEFAULT '[]',
	vocabulary_level INTEGER NOT NULL DEFAULT 50
);
CREATE TABLE IF NOT EXISTS stories (
	id TEXT PRIMARY KEY,
	child_id INTEGER NOT NULL REFERENCES children(id),
	title TEXT NOT NULL,
	theme TEXT NOT NULL,
	chapter_number INTEGER NOT NULL,
	total_chapters INTEGER NOT NULL,
	content TEXT NOT NULL,
	choice_question TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT 'english',
	reading_level TEXT NOT NULL DEFAULT 'beginner',
	educational_elements TEXT NOT NULL DEFAULT '[]',
	estimated_reading_time INTEGER NOT NULL DEFAULT 1,
	vocabulary_level TEXT NOT NULL DEFAULT '',
	safety_score REAL NOT NULL DEFAULT 1.0,
	is_completed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS choices (
	id TEXT PRIMARY KEY,
	story_id TEXT NOT NULL REFERENCES stories(id),
	text TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_stories_child_theme ON stories(child_id, theme, chapter_number);
`

// Open connects to (or creates) the database at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateChild inserts a child profile and returns it with its assigned ID.
func (s *Store) CreateChild(ctx context.Context, child model.ChildProfile) (model.ChildProfile, error) {
	interests, err := json.Marshal(child.Interests)
	if err != nil {
		return model.ChildProfile{}, fmt.Errorf("marshal interests: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO children (parent_id, name, age, reading_level, language, interests, vocabulary_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		child.ParentID, child.Name, child.Age, child.ReadingLevel, child.Language, string(interests), child.VocabularyLevel)
	if err != nil {
		return model.ChildProfile{}, fmt.Errorf("insert child: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ChildProfile{}, fmt.Errorf("child id: %w", err)
	}
	child.ID = id
	return child, nil
}

// GetChild loads one child profile.
func (s *Store) GetChild(ctx context.Context, id int64) (model.ChildProfile, error) {
	var (
		child     model.ChildProfile
		interests string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, name, age, reading_level, language, interests, vocabulary_level
		 FROM children WHERE id = ?`, id).
		Scan(&child.ID, &child.ParentID, &child.Name, &child.Age, &child.ReadingLevel,
			&child.Language, &interests, &child.VocabularyLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChildProfile{}, ErrChildNotFound
	}
	if err != nil {
		return model.ChildProfile{}, fmt.Errorf("query child: %w", err)
	}
	if err := json.Unmarshal([]byte(interests), &child.Interests); err != nil {
		return model.ChildProfile{}, fmt.Errorf("decode interests: %w", err)
	}
	return child, nil
}

// CheckChildAccess reports whether the child exists and belongs to parentID.
// ErrChildNotFound distinguishes a missing child from a foreign one.
func (s *Store) CheckChildAccess(ctx context.Context, childID, parentID int64) (bool, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx,
		`SELECT parent_id FROM children WHERE id = ?`, childID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrChildNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query child owner: %w", err)
	}
	return owner == parentID, nil
}

// SaveStory persists a finished story record with its choices. This is the
// persistence handoff for terminal-success; callers treat failures as
// log-and-continue, never as stream errors.
func (s *Store) SaveStory(ctx context.Context, childID int64, rec model.StoryRecord) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	educational, err := json.Marshal(rec.EducationalElements)
	if err != nil {
		return fmt.Errorf("marshal educational elements: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stories (id, child_id, title, theme, chapter_number, total_chapters, content,
			choice_question, language, reading_level, educational_elements, estimated_reading_time,
			vocabulary_level, safety_score, is_completed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, childID, rec.Title, rec.Theme, rec.ChapterNumber, rec.TotalChapters, string(content),
		rec.ChoiceQuestion, rec.Language, rec.ReadingLevel, string(educational), rec.EstimatedReadingTime,
		rec.VocabularyLevel, rec.SafetyScore, boolToInt(rec.IsCompleted), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}

	for _, choice := range rec.Choices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO choices (id, story_id, text, description) VALUES (?, ?, ?, ?)`,
			choice.ID, rec.ID, choice.Text, choice.Description); err != nil {
			return fmt.Errorf("insert choice: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit story: %w", err)
	}
	return nil
}

// GetStory loads one story record with its choices.
func (s *Store) GetStory(ctx context.Context, id string) (model.StoryRecord, error) {
	var (
		rec         model.StoryRecord
		content     string
		educational string
		createdAt   string
		completed   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, theme, chapter_number, total_chapters, content, choice_question,
			language, reading_level, educational_elements, estimated_reading_time,
			vocabulary_level, safety_score, is_completed, created_at
		 FROM stories WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Title, &rec.Theme, &rec.ChapterNumber, &rec.TotalChapters, &content,
			&rec.ChoiceQuestion, &rec.Language, &rec.ReadingLevel, &educational,
			&rec.EstimatedReadingTime, &rec.VocabularyLevel, &rec.SafetyScore, &completed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoryRecord{}, ErrStoryNotFound
	}
	if err != nil {
		return model.StoryRecord{}, fmt.Errorf("query story: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
		return model.StoryRecord{}, fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal([]byte(educational), &rec.EducationalElements); err != nil {
		return model.StoryRecord{}, fmt.Errorf("decode educational elements: %w", err)
	}
	rec.IsCompleted = completed != 0
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.StoryRecord{}, fmt.Errorf("parse created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, description FROM choices WHERE story_id = ? ORDER BY rowid`, id)
	if err != nil {
		return model.StoryRecord{}, fmt.Errorf("query choices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.Choice
		if err := rows.Scan(&c.ID, &c.Text, &c.Description); err != nil {
			return model.StoryRecord{}, fmt.Errorf("scan choice: %w", err)
		}
		rec.Choices = append(rec.Choices, c)
	}
	if err := rows.Err(); err != nil {
		return model.StoryRecord{}, fmt.Errorf("iterate choices: %w", err)
	}
	return rec, nil
}

// PreviousChapters returns the text of earlier chapters of the same theme for
// a child, oldest first, for prompt context.
func (s *Store) PreviousChapters(ctx context.Context, childID int64, theme string, beforeChapter int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM stories
		 WHERE child_id = ? AND theme = ? AND chapter_number < ?
		 ORDER BY chapter_number`, childID, theme, beforeChapter)
	if err != nil {
		return nil, fmt.Errorf("query previous chapters: %w", err)
	}
	defer rows.Close()

	var chapters []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		var paragraphs []string
		if err := json.Unmarshal([]byte(content), &paragraphs); err != nil {
			return nil, fmt.Errorf("decode chapter content: %w", err)
		}
		if len(paragraphs) > 0 {
			chapters = append(chapters, joinParagraphs(paragraphs))
		}
	}
	return chapters, rows.Err()
}

// ListStories returns the stories generated for a child, newest first.
// Ordering is by insertion: created_at is stored as RFC3339Nano text, whose
// variable-width fractional part does not sort lexicographically.
func (s *Store) ListStories(ctx context.Context, childID int64, limit int) ([]model.StoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM stories WHERE child_id = ? ORDER BY rowid DESC LIMIT ?`, childID, limit)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan story id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.StoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetStory(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func joinParagraphs(paragraphs []string) string {
	out := paragraphs[0]
	for _, p := range paragraphs[1:] {
		out += "\n\n" + p
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
