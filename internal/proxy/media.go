package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/plugin"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// dispatchImages handles POST /v1/images/generations. It follows the same
// capability-interface pattern as dispatchEmbeddings: it picks the first
// configured provider (in map order, regardless of model) that implements
// ImageProvider, and returns a 400 invalid_request_error when none does
// rather than a sentinel zero-value response.
func (g *Gateway) dispatchImages(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
		N      int    `json:"n"`
		Size   string `json:"size"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()), apierr.TypeInvalidRequest)
		return
	}
	if req.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'prompt' is required", apierr.TypeInvalidRequest)
		return
	}

	if g.plugins != nil {
		pluginReq := &plugin.Request{
			Ctx:     requestContextFrom(ctx),
			Path:    "images/generations",
			Model:   req.Model,
			Headers: map[string]string{"authorization": parseAuthToken(string(ctx.Request.Header.Peek("Authorization")))},
			Texts:   []string{req.Prompt},
		}
		if err := g.plugins.BeforeRequest(ctx, pluginReq); err != nil {
			writePluginRejection(ctx, err)
			return
		}
	}

	prov, imager := findCapability(g, func(p providers.Provider) (providers.ImageProvider, bool) {
		ip, ok := p.(providers.ImageProvider)
		return ip, ok
	})
	if imager == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "no configured provider supports image generation", apierr.TypeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, err := imager.GenerateImage(provCtx, &providers.ImageRequest{
		Prompt: req.Prompt, Model: req.Model, N: req.N, Size: req.Size,
		RequestID: reqID, APIKey: clientKey, APIKeyID: clientKeyID,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	if g.plugins != nil {
		g.plugins.AfterResponse(ctx, &plugin.Response{
			Ctx: requestContextFrom(ctx), Provider: prov, Model: req.Model,
			StatusCode: fasthttp.StatusOK,
		})
	}

	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// dispatchAudioTranscriptions handles POST /v1/audio/transcriptions.
// The audio payload and model name arrive as multipart form fields,
// matching the OpenAI Whisper API contract.
func (g *Gateway) dispatchAudioTranscriptions(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "expected multipart/form-data body", apierr.TypeInvalidRequest)
		return
	}
	model := firstFormValue(form.Value["model"])
	language := firstFormValue(form.Value["language"])

	files := form.File["file"]
	if len(files) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'file' is required", apierr.TypeInvalidRequest)
		return
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "failed to read uploaded file", apierr.TypeInvalidRequest)
		return
	}
	defer f.Close()
	audio := make([]byte, fh.Size)
	if _, err := f.Read(audio); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "failed to read uploaded file", apierr.TypeInvalidRequest)
		return
	}

	if g.plugins != nil {
		pluginReq := &plugin.Request{
			Ctx: requestContextFrom(ctx), Path: "audio/transcriptions", Model: model,
			Headers:       map[string]string{"authorization": parseAuthToken(string(ctx.Request.Header.Peek("Authorization")))},
			ContentLength: int64(len(audio)),
		}
		if err := g.plugins.BeforeRequest(ctx, pluginReq); err != nil {
			writePluginRejection(ctx, err)
			return
		}
	}

	prov, transcriber := findCapability(g, func(p providers.Provider) (providers.AudioProvider, bool) {
		ap, ok := p.(providers.AudioProvider)
		return ap, ok
	})
	if transcriber == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "no configured provider supports audio transcription", apierr.TypeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, err := transcriber.Transcribe(provCtx, &providers.AudioRequest{
		Audio: audio, Filename: fh.Filename, Model: model, Language: language,
		RequestID: reqID, APIKey: clientKey, APIKeyID: clientKeyID,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	if g.plugins != nil {
		g.plugins.AfterResponse(ctx, &plugin.Response{
			Ctx: requestContextFrom(ctx), Provider: prov, Model: model, StatusCode: fasthttp.StatusOK,
		})
	}

	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// dispatchAudioSpeech handles POST /v1/audio/speech, returning the
// synthesized audio as a raw binary body (not a JSON envelope), matching
// the OpenAI TTS contract.
func (g *Gateway) dispatchAudioSpeech(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req struct {
		Input  string `json:"input"`
		Model  string `json:"model"`
		Voice  string `json:"voice"`
		Format string `json:"response_format"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()), apierr.TypeInvalidRequest)
		return
	}
	if req.Input == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'input' is required", apierr.TypeInvalidRequest)
		return
	}
	if req.Format == "" {
		req.Format = "mp3"
	}

	if g.plugins != nil {
		pluginReq := &plugin.Request{
			Ctx:     requestContextFrom(ctx),
			Path:    "audio/speech",
			Model:   req.Model,
			Headers: map[string]string{"authorization": parseAuthToken(string(ctx.Request.Header.Peek("Authorization")))},
			Texts:   []string{req.Input},
		}
		if err := g.plugins.BeforeRequest(ctx, pluginReq); err != nil {
			writePluginRejection(ctx, err)
			return
		}
	}

	prov, synth := findCapability(g, func(p providers.Provider) (providers.SpeechProvider, bool) {
		sp, ok := p.(providers.SpeechProvider)
		return sp, ok
	})
	if synth == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "no configured provider supports speech synthesis", apierr.TypeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	audio, err := synth.Synthesize(provCtx, &providers.SpeechRequest{
		Input: req.Input, Model: req.Model, Voice: req.Voice, Format: req.Format,
		RequestID: reqID, APIKey: clientKey, APIKeyID: clientKeyID,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	if g.plugins != nil {
		g.plugins.AfterResponse(ctx, &plugin.Response{
			Ctx: requestContextFrom(ctx), Provider: prov, Model: req.Model, StatusCode: fasthttp.StatusOK,
		})
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("audio/" + req.Format)
	ctx.SetBody(audio)
}

// dispatchModels handles GET /v1/models, listing every model name known to
// ModelAliases and EmbeddingModelAliases whose backing provider is
// currently configured.
func (g *Gateway) dispatchModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	seen := make(map[string]bool)
	var list []modelEntry
	for model, provName := range providers.ModelAliases {
		if _, ok := g.providers[provName]; !ok || seen[model] {
			continue
		}
		seen[model] = true
		list = append(list, modelEntry{ID: model, Object: "model", OwnedBy: provName})
	}
	for model, provName := range providers.EmbeddingModelAliases {
		if _, ok := g.providers[provName]; !ok || seen[model] {
			continue
		}
		seen[model] = true
		list = append(list, modelEntry{ID: model, Object: "model", OwnedBy: provName})
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": list})
}

// findCapability scans the configured providers for one implementing T via
// assertFn, returning its name and the asserted value. Iteration order
// follows map order (unspecified); callers treat this as "any one match".
func findCapability[T any](g *Gateway, assertFn func(providers.Provider) (T, bool)) (string, T) {
	for name, p := range g.providers {
		if v, ok := assertFn(p); ok {
			return name, v
		}
	}
	var zero T
	return "", zero
}

func firstFormValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
