package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway implements all five capability providers against the internal
// model gateway's JSON API. One process-wide instance, injected where
// needed.
type Gateway struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewGateway(baseURL, apiKey string) *Gateway {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	return &Gateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (g *Gateway) post(ctx context.Context, capability, path string, reqBody, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s%s", g.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", capability, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		return &ProviderError{
			Capability: capability,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Permanent:  resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", capability, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return string(raw)
}

func (g *Gateway) Extract(ctx context.Context, query string, gradeLevel int) (*TopicExtraction, error) {
	req := map[string]any{"query": query, "grade_level": gradeLevel}
	var out TopicExtraction
	if err := g.post(ctx, "topic_extractor", "/v1/topics/extract", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Gateway) Retrieve(ctx context.Context, topicID string, gradeLevel, limit int) ([]SourceDoc, error) {
	req := map[string]any{"topic_id": topicID, "grade_level": gradeLevel, "limit": limit}
	var out struct {
		Results []SourceDoc `json:"results"`
	}
	if err := g.post(ctx, "content_retriever", "/v1/content/search", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (g *Gateway) Generate(ctx context.Context, req ScriptRequest) (*Script, error) {
	var out Script
	if err := g.post(ctx, "script_generator", "/v1/scripts/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Gateway) Synthesize(ctx context.Context, script, voice string) (*AudioAsset, error) {
	req := map[string]any{"script": script, "voice": voice}
	var out AudioAsset
	if err := g.post(ctx, "audio_synthesizer", "/v1/audio/synthesize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Gateway) Render(ctx context.Context, script, audioURL, style string) (*VideoAsset, error) {
	req := map[string]any{"script": script, "audio_url": audioURL, "style": style}
	var out VideoAsset
	if err := g.post(ctx, "video_synthesizer", "/v1/video/render", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GatewayProviders wires one gateway into the Providers bundle.
func GatewayProviders(g *Gateway) Providers {
	return Providers{
		Topics:    g,
		Retriever: g,
		Scripts:   g,
		Audio:     g,
		Video:     g,
	}
}
