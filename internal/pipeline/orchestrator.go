package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/brightpath/contentgen/internal/cache"
	"github.com/brightpath/contentgen/internal/logger"
	"github.com/brightpath/contentgen/internal/notify"
	"github.com/brightpath/contentgen/internal/progress"
)

// Spec is a validated generation request: modalities are already
// normalized, grade level already checked.
type Spec struct {
	RequestID     string
	CorrelationID string
	StudentID     string
	Query         string
	GradeLevel    int
	Interest      string
	Modalities    []string
	Style         string
}

func (s Spec) wantsVideo() bool {
	for _, m := range s.Modalities {
		if m == "video" {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeClarificationNeeded Outcome = "clarification_needed"
	OutcomeOutOfScope          Outcome = "out_of_scope"
)

type Result struct {
	Outcome Outcome

	CacheHit bool
	CacheKey string

	TopicID    string
	TopicName  string
	Confidence float64

	ScriptText      string
	AudioURL        string
	VideoURL        string
	ThumbnailURL    string
	DurationSeconds float64

	// clarification / out-of-scope payload
	Questions []string
	Reasoning string
}

type Options struct {
	RetrievalLimit      int
	TargetScriptSeconds int
	Voice               string
	LeaseTTL            time.Duration
	CacheWaitInterval   time.Duration
	CacheWaitMaxPolls   int
}

// Orchestrator sequences the capability providers for one request. Stages
// run sequentially; every stage after extraction propagates failures as
// stage-labeled errors.
type Orchestrator struct {
	providers Providers
	cache     *cache.Cache
	progress  progress.Store
	notifier  notify.Notifier
	log       *logger.Logger
	opts      Options
}

func NewOrchestrator(providers Providers, c *cache.Cache, p progress.Store, n notify.Notifier, log *logger.Logger, opts Options) *Orchestrator {
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = 5
	}
	if opts.TargetScriptSeconds <= 0 {
		opts.TargetScriptSeconds = 180
	}
	if opts.Voice == "" {
		opts.Voice = "narrator"
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.CacheWaitInterval <= 0 {
		opts.CacheWaitInterval = 2 * time.Second
	}
	if opts.CacheWaitMaxPolls <= 0 {
		opts.CacheWaitMaxPolls = 15
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Orchestrator{
		providers: providers,
		cache:     c,
		progress:  p,
		notifier:  n,
		log:       log,
		opts:      opts,
	}
}

func (o *Orchestrator) track(ctx context.Context, spec Spec, stage, status string, confidence *float64, meta map[string]any, errMsg string) {
	if o.progress == nil {
		return
	}
	err := o.progress.TrackEvent(ctx, progress.Event{
		RequestID:  spec.RequestID,
		StudentID:  spec.StudentID,
		Stage:      stage,
		Status:     status,
		Confidence: confidence,
		Metadata:   meta,
		Error:      errMsg,
		Timestamp:  time.Now(),
	})
	if err != nil {
		o.log.Warn("progress track failed", "request_id", spec.RequestID, "stage", stage, "err", err)
	}
}

// finish records the terminal trail event so the flow drops out of active
// listings. Stage failures mark the trail terminal on their own.
func (o *Orchestrator) finish(ctx context.Context, spec Spec, result *Result) *Result {
	o.track(ctx, spec, StagePipeline, progress.StatusCompleted, nil, map[string]any{
		"outcome":   string(result.Outcome),
		"cache_hit": result.CacheHit,
	}, "")
	return result
}

// Run executes the pipeline for one request. Control-flow outcomes
// (clarification, out-of-scope, cache hit) come back as a Result; provider
// failures come back as *StageError.
func (o *Orchestrator) Run(ctx context.Context, spec Spec) (*Result, error) {
	// stage 1: topic extraction. the only stage whose "failures" can be
	// legitimate outcomes rather than errors
	o.track(ctx, spec, StageTopicExtraction, progress.StatusStarted, nil, nil, "")
	extraction, err := o.providers.Topics.Extract(ctx, spec.Query, spec.GradeLevel)
	if err != nil {
		o.track(ctx, spec, StageTopicExtraction, progress.StatusFailed, nil, nil, err.Error())
		return nil, newStageError(StageTopicExtraction, err)
	}
	o.track(ctx, spec, StageTopicExtraction, progress.StatusCompleted, &extraction.Confidence, map[string]any{"topic_id": extraction.TopicID}, "")

	if extraction.NeedsClarification {
		return o.finish(ctx, spec, &Result{
			Outcome:   OutcomeClarificationNeeded,
			Questions: extraction.Questions,
			Reasoning: extraction.Reasoning,
		}), nil
	}
	if extraction.OutOfScope {
		return o.finish(ctx, spec, &Result{
			Outcome:   OutcomeOutOfScope,
			Reasoning: extraction.Reasoning,
		}), nil
	}

	// stage 2: fingerprint + cache check
	o.track(ctx, spec, StageCacheCheck, progress.StatusStarted, nil, nil, "")
	check, err := o.cache.Check(ctx, extraction.TopicID, spec.Interest, spec.Style)
	if err != nil {
		o.track(ctx, spec, StageCacheCheck, progress.StatusFailed, nil, nil, err.Error())
		return nil, newStageError(StageCacheCheck, err)
	}
	if check.CacheHit {
		o.track(ctx, spec, StageCacheCheck, progress.StatusCompleted, nil, map[string]any{"cache_hit": true}, "")
		return o.finish(ctx, spec, resultFromEntry(extraction, check.Entry, true)), nil
	}
	o.track(ctx, spec, StageCacheCheck, progress.StatusCompleted, nil, map[string]any{"cache_hit": false}, "")

	// reservation so concurrent identical requests converge on one
	// generation; the loser polls for the winner's entry
	leased, err := o.cache.AcquireLease(ctx, check.CacheKey, o.opts.LeaseTTL)
	switch {
	case err != nil:
		// proceed unleased: releasing a lease we never took could delete
		// a concurrent winner's live reservation
		o.log.Warn("lease acquire failed, generating anyway", "cache_key", check.CacheKey, "err", err)
	case !leased:
		entry, werr := o.cache.WaitForEntry(ctx, extraction.TopicID, spec.Interest, spec.Style, o.opts.CacheWaitInterval, o.opts.CacheWaitMaxPolls)
		if werr == nil && entry != nil {
			return o.finish(ctx, spec, resultFromEntry(extraction, entry, true)), nil
		}
		// winner vanished or timed out; fall through and generate
		o.log.Warn("lease wait expired, generating", "cache_key", check.CacheKey)
	default:
		defer o.cache.ReleaseLease(ctx, check.CacheKey)
	}

	result, err := o.generate(ctx, spec, extraction, check.CacheKey)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, spec, result), nil
}

func (o *Orchestrator) generate(ctx context.Context, spec Spec, extraction *TopicExtraction, cacheKey string) (*Result, error) {
	o.notifier.Notify(ctx, notify.Event{
		RequestID: spec.RequestID,
		StudentID: spec.StudentID,
		Stage:     StageContentRetrieval,
		Status:    "started",
		Message:   "generating new content",
	})

	// stage 3a: retrieval
	o.track(ctx, spec, StageContentRetrieval, progress.StatusStarted, nil, nil, "")
	docs, err := o.providers.Retriever.Retrieve(ctx, extraction.TopicID, spec.GradeLevel, o.opts.RetrievalLimit)
	if err != nil {
		o.track(ctx, spec, StageContentRetrieval, progress.StatusFailed, nil, nil, err.Error())
		return nil, newStageError(StageContentRetrieval, err)
	}
	rankSources(docs)
	if len(docs) > o.opts.RetrievalLimit {
		docs = docs[:o.opts.RetrievalLimit]
	}
	if len(docs) == 0 {
		o.log.Warn("retrieval returned no sources", "request_id", spec.RequestID, "topic_id", extraction.TopicID)
	}
	o.track(ctx, spec, StageContentRetrieval, progress.StatusCompleted, nil, map[string]any{"sources": len(docs)}, "")

	// stage 3b: script
	o.track(ctx, spec, StageScriptGeneration, progress.StatusStarted, nil, nil, "")
	script, err := o.providers.Scripts.Generate(ctx, ScriptRequest{
		TopicID:       extraction.TopicID,
		TopicName:     extraction.TopicName,
		Query:         spec.Query,
		GradeLevel:    spec.GradeLevel,
		Interest:      spec.Interest,
		TargetSeconds: o.opts.TargetScriptSeconds,
		Sources:       docs,
	})
	if err != nil {
		o.track(ctx, spec, StageScriptGeneration, progress.StatusFailed, nil, nil, err.Error())
		return nil, newStageError(StageScriptGeneration, err)
	}
	o.track(ctx, spec, StageScriptGeneration, progress.StatusCompleted, nil, nil, "")

	// stage 3c: audio
	o.track(ctx, spec, StageAudioSynthesis, progress.StatusStarted, nil, nil, "")
	audio, err := o.providers.Audio.Synthesize(ctx, script.Text, o.opts.Voice)
	if err != nil {
		o.track(ctx, spec, StageAudioSynthesis, progress.StatusFailed, nil, nil, err.Error())
		return nil, newStageError(StageAudioSynthesis, err)
	}
	o.track(ctx, spec, StageAudioSynthesis, progress.StatusCompleted, nil, nil, "")

	result := &Result{
		Outcome:         OutcomeCompleted,
		CacheKey:        cacheKey,
		TopicID:         extraction.TopicID,
		TopicName:       extraction.TopicName,
		Confidence:      extraction.Confidence,
		ScriptText:      script.Text,
		AudioURL:        audio.URL,
		DurationSeconds: audio.DurationSeconds,
	}

	// stage 4: video, only when requested; this is the cost-control lever.
	// Skipping it must leave the script/audio stages untouched.
	if spec.wantsVideo() {
		o.track(ctx, spec, StageVideoSynthesis, progress.StatusStarted, nil, nil, "")
		video, err := o.providers.Video.Render(ctx, script.Text, audio.URL, spec.Style)
		if err != nil {
			o.track(ctx, spec, StageVideoSynthesis, progress.StatusFailed, nil, nil, err.Error())
			return nil, newStageError(StageVideoSynthesis, err)
		}
		result.VideoURL = video.URL
		result.ThumbnailURL = video.ThumbnailURL
		if video.DurationSeconds > 0 {
			result.DurationSeconds = video.DurationSeconds
		}
		o.track(ctx, spec, StageVideoSynthesis, progress.StatusCompleted, nil, nil, "")
	} else {
		o.track(ctx, spec, StageVideoSynthesis, progress.StatusSkipped, nil, map[string]any{"reason": "video not requested"}, "")
	}

	// stage 5: cache the bundle
	entry := &cache.Entry{
		CacheKey:        cacheKey,
		TopicID:         extraction.TopicID,
		Interest:        spec.Interest,
		Style:           spec.Style,
		Status:          "completed",
		VideoURL:        result.VideoURL,
		AudioURL:        result.AudioURL,
		ThumbnailURL:    result.ThumbnailURL,
		ScriptText:      result.ScriptText,
		DurationSeconds: result.DurationSeconds,
		GeneratedAt:     time.Now(),
	}
	if _, err := o.cache.Store(ctx, entry); err != nil {
		// generated content still goes back to the caller; the cost is a
		// possible duplicate generation later
		o.log.Error("cache store failed", "request_id", spec.RequestID, "cache_key", cacheKey, "err", err)
		o.track(ctx, spec, StageCacheStore, progress.StatusFailed, nil, nil, err.Error())
	} else {
		o.track(ctx, spec, StageCacheStore, progress.StatusCompleted, nil, nil, "")
	}

	return result, nil
}

// rankSources orders by relevance, breaking ties by id so identical inputs
// always produce the same ordering.
func rankSources(docs []SourceDoc) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Relevance != docs[j].Relevance {
			return docs[i].Relevance > docs[j].Relevance
		}
		return docs[i].ID < docs[j].ID
	})
}

func resultFromEntry(extraction *TopicExtraction, entry *cache.Entry, hit bool) *Result {
	return &Result{
		Outcome:         OutcomeCompleted,
		CacheHit:        hit,
		CacheKey:        entry.CacheKey,
		TopicID:         extraction.TopicID,
		TopicName:       extraction.TopicName,
		Confidence:      extraction.Confidence,
		ScriptText:      entry.ScriptText,
		AudioURL:        entry.AudioURL,
		VideoURL:        entry.VideoURL,
		ThumbnailURL:    entry.ThumbnailURL,
		DurationSeconds: entry.DurationSeconds,
	}
}
