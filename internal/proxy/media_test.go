package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/valyala/fasthttp"
)

// imageProvider is a test double implementing providers.ImageProvider.
type imageProvider struct {
	name string
	fn   func(context.Context, *providers.ImageRequest) (*providers.ImageResponse, error)
}

func (p *imageProvider) Name() string { return p.name }
func (p *imageProvider) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{ID: "img-chat", Model: req.Model}, nil
}
func (p *imageProvider) HealthCheck(_ context.Context) error { return nil }
func (p *imageProvider) GenerateImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	return p.fn(ctx, req)
}

// audioProvider is a test double implementing providers.AudioProvider.
type audioProvider struct {
	name string
	fn   func(context.Context, *providers.AudioRequest) (*providers.AudioResponse, error)
}

func (p *audioProvider) Name() string { return p.name }
func (p *audioProvider) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{ID: "audio-chat", Model: req.Model}, nil
}
func (p *audioProvider) HealthCheck(_ context.Context) error { return nil }
func (p *audioProvider) Transcribe(ctx context.Context, req *providers.AudioRequest) (*providers.AudioResponse, error) {
	return p.fn(ctx, req)
}

// speechProvider is a test double implementing providers.SpeechProvider.
type speechProvider struct {
	name string
	fn   func(context.Context, *providers.SpeechRequest) ([]byte, error)
}

func (p *speechProvider) Name() string { return p.name }
func (p *speechProvider) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{ID: "speech-chat", Model: req.Model}, nil
}
func (p *speechProvider) HealthCheck(_ context.Context) error { return nil }
func (p *speechProvider) Synthesize(ctx context.Context, req *providers.SpeechRequest) ([]byte, error) {
	return p.fn(ctx, req)
}

func TestDispatchImages_Success(t *testing.T) {
	var captured *providers.ImageRequest
	prov := &imageProvider{
		name: "openai",
		fn: func(_ context.Context, req *providers.ImageRequest) (*providers.ImageResponse, error) {
			captured = req
			return &providers.ImageResponse{
				Created: 1,
				Data:    []providers.ImageData{{URL: "https://example.com/a.png"}},
			}, nil
		},
	}
	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": prov}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"prompt":"a cat","model":"dall-e-3","n":1,"size":"512x512"}`))
	ctx.SetUserValue("request_id", "img-1")

	gw.dispatchImages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if captured == nil || captured.Prompt != "a cat" {
		t.Fatalf("expected provider to receive prompt, got %+v", captured)
	}
	var out providers.ImageResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].URL != "https://example.com/a.png" {
		t.Errorf("unexpected response data: %+v", out.Data)
	}
}

func TestDispatchImages_MissingPrompt(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"dall-e-3"}`))

	gw.dispatchImages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchImages_NoCapableProvider(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"prompt":"a cat","model":"dall-e-3"}`))

	gw.dispatchImages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if !contains(string(ctx.Response.Body()), "image generation") {
		t.Errorf("expected error mentioning image generation, got: %s", ctx.Response.Body())
	}
}

func TestDispatchAudioSpeech_Success(t *testing.T) {
	prov := &speechProvider{
		name: "openai",
		fn: func(_ context.Context, req *providers.SpeechRequest) ([]byte, error) {
			return []byte("fake-audio-bytes"), nil
		},
	}
	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": prov}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"input":"hello world","model":"tts-1","voice":"alloy"}`))

	gw.dispatchAudioSpeech(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if string(ctx.Response.Body()) != "fake-audio-bytes" {
		t.Errorf("unexpected body: %s", ctx.Response.Body())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "audio/mp3" {
		t.Errorf("expected content-type audio/mp3 (default format), got %s", ct)
	}
}

func TestDispatchAudioSpeech_MissingInput(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"tts-1"}`))

	gw.dispatchAudioSpeech(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchAudioTranscriptions_Success(t *testing.T) {
	var captured *providers.AudioRequest
	prov := &audioProvider{
		name: "openai",
		fn: func(_ context.Context, req *providers.AudioRequest) (*providers.AudioResponse, error) {
			captured = req
			return &providers.AudioResponse{Text: "hello from the tape"}, nil
		},
	}
	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": prov}, nil)

	body, contentType := buildMultipartAudio(t, "whisper-1", "en", "clip.wav", []byte("RIFF...fake wav bytes"))

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetContentType(contentType)
	ctx.Request.SetBody(body)

	gw.dispatchAudioTranscriptions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if captured == nil || captured.Filename != "clip.wav" || captured.Language != "en" {
		t.Fatalf("unexpected captured request: %+v", captured)
	}
	var out providers.AudioResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Text != "hello from the tape" {
		t.Errorf("unexpected transcription: %q", out.Text)
	}
}

func TestDispatchAudioTranscriptions_MissingFile(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{}, nil)

	body, contentType := buildMultipartAudio(t, "whisper-1", "en", "", nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetContentType(contentType)
	ctx.Request.SetBody(body)

	gw.dispatchAudioTranscriptions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchModels_FiltersToConfiguredProviders(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.dispatchModels(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out.Data) == 0 {
		t.Fatal("expected at least one model for the configured openai provider")
	}
	for _, m := range out.Data {
		if m.OwnedBy != "openai" {
			t.Errorf("expected only openai-owned models, got owned_by=%s for %s", m.OwnedBy, m.ID)
		}
	}
}

// buildMultipartAudio constructs a multipart/form-data body mirroring the
// OpenAI audio transcription request shape. If filename is empty, no file
// part is attached (used to test the "file is required" error path).
func buildMultipartAudio(t *testing.T, model, language, filename string, data []byte) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model", model); err != nil {
		t.Fatalf("write model field: %v", err)
	}
	if err := w.WriteField("language", language); err != nil {
		t.Fatalf("write language field: %v", err)
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file data: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	return buf.Bytes(), w.FormDataContentType()
}
