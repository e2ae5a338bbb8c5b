package pipeline

import "context"

// Capability providers. Each is a stateless call against an opaque model
// backend; the orchestrator only depends on these contracts.

type TopicExtraction struct {
	TopicID    string  `json:"topic_id"`
	TopicName  string  `json:"topic_name"`
	Confidence float64 `json:"confidence"`

	// Control-flow outcomes, not errors.
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions,omitempty"`
	OutOfScope         bool     `json:"out_of_scope"`
	Reasoning          string   `json:"reasoning,omitempty"`
}

type TopicExtractor interface {
	Extract(ctx context.Context, query string, gradeLevel int) (*TopicExtraction, error)
}

type SourceDoc struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance"`
}

type ContentRetriever interface {
	Retrieve(ctx context.Context, topicID string, gradeLevel, limit int) ([]SourceDoc, error)
}

type ScriptRequest struct {
	TopicID       string      `json:"topic_id"`
	TopicName     string      `json:"topic_name"`
	Query         string      `json:"query"`
	GradeLevel    int         `json:"grade_level"`
	Interest      string      `json:"interest"`
	TargetSeconds int         `json:"target_seconds"`
	Sources       []SourceDoc `json:"sources"`
}

type Script struct {
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type ScriptGenerator interface {
	Generate(ctx context.Context, req ScriptRequest) (*Script, error)
}

type AudioAsset struct {
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type AudioSynthesizer interface {
	Synthesize(ctx context.Context, script string, voice string) (*AudioAsset, error)
}

type VideoAsset struct {
	URL             string  `json:"url"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type VideoSynthesizer interface {
	Render(ctx context.Context, script, audioURL, style string) (*VideoAsset, error)
}

// Providers bundles the five capabilities for injection into the
// orchestrator.
type Providers struct {
	Topics    TopicExtractor
	Retriever ContentRetriever
	Scripts   ScriptGenerator
	Audio     AudioSynthesizer
	Video     VideoSynthesizer
}
