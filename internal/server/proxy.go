package server

import (
	"net/http"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/policy"
	"github.com/veylan/relay/internal/tokencount"
)

// proxyRequest is the body of both inference endpoints.
type proxyRequest struct {
	Provider     string `json:"provider"`
	SmartMode    bool   `json:"smartMode"`
	SystemPrompt string `json:"systemPrompt"`
	UserMessage  string `json:"userMessage"`
	Screenshot   string `json:"screenshot"` // base64 JPEG
	MaxTokens    int    `json:"maxTokens"`
}

func (s *server) admit(w http.ResponseWriter, r *http.Request, req *proxyRequest, streaming bool) (*relay.User, *policy.Decision, bool) {
	u, err := s.user(r.Context())
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	if req.UserMessage == "" {
		writeError(w, relay.ErrInvalidRequest.WithMessage("userMessage is required"))
		return nil, nil, false
	}
	decision, err := s.deps.Policy.Admit(r.Context(), u, policy.Request{
		Provider:  req.Provider,
		SmartMode: req.SmartMode,
		MaxTokens: req.MaxTokens,
		Streaming: streaming,
	})
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.AdmissionRejects.WithLabelValues(relay.ErrorCode(err)).Inc()
		}
		writeError(w, err)
		return nil, nil, false
	}
	return u, decision, true
}

// handleStream runs the streaming cascade.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, decision, ok := s.admit(w, r, &req, true)
	if !ok {
		return
	}

	entries := decision.Cascade
	if req.Provider != "" {
		entries = []relay.CascadeEntry{{Provider: decision.Provider, Model: decision.Model}}
	}

	prompt, atomIDs := s.deps.Knowledge.Prepare(r.Context(), u, req.SystemPrompt, req.UserMessage)
	mreq := &relay.ModelRequest{
		SystemPrompt: prompt,
		UserMessage:  req.UserMessage,
		ImageBase64:  req.Screenshot,
		MaxTokens:    decision.MaxTokens,
		SmartMode:    decision.Mode == relay.ModeSmart,
	}

	sw, err := newStreamWriter(w, decision.Mode)
	if err != nil {
		writeError(w, err)
		return
	}

	if m := s.deps.Metrics; m != nil {
		m.ActiveStreams.Inc()
		defer m.ActiveStreams.Dec()
	}

	start := time.Now()
	res, err := s.deps.Cascade.Stream(r.Context(), sw, mreq, entries)
	if s.deps.Metrics != nil {
		s.deps.Metrics.CascadeFallbacks.WithLabelValues(decision.Mode).Add(float64(len(res.Details)))
		if res.Provider != "" {
			s.deps.Metrics.UpstreamDuration.WithLabelValues(res.Provider, res.Model).Observe(time.Since(start).Seconds())
		}
	}
	if err != nil {
		// Client went away mid-stream; nothing more to write.
		return
	}
	if !res.Completed {
		return
	}

	tokens := 0
	if res.Usage != nil {
		tokens = res.Usage.TotalTokens
	} else {
		tokens = tokencount.EstimateRequest(mreq) + tokencount.CountText(res.Content)
	}
	s.recordUsage(u.ID, res.Provider, res.Model, decision.Mode, tokens)
	s.deps.Knowledge.Commit(r.Context(), atomIDs)
}

// handleGenerate runs a non-streaming single-provider request.
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, decision, ok := s.admit(w, r, &req, false)
	if !ok {
		return
	}

	prompt, atomIDs := s.deps.Knowledge.Prepare(r.Context(), u, req.SystemPrompt, req.UserMessage)
	mreq := &relay.ModelRequest{
		SystemPrompt: prompt,
		UserMessage:  req.UserMessage,
		ImageBase64:  req.Screenshot,
		MaxTokens:    decision.MaxTokens,
		SmartMode:    decision.Mode == relay.ModeSmart,
	}

	start := time.Now()
	res, err := s.deps.Cascade.Generate(r.Context(), mreq,
		[]relay.CascadeEntry{{Provider: decision.Provider, Model: decision.Model}})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(res.Provider, res.Model).Observe(time.Since(start).Seconds())
	}

	tokens := res.TokensUsed
	if tokens == 0 {
		tokens = tokencount.EstimateRequest(mreq) + tokencount.CountText(res.Content)
	}
	s.recordUsage(u.ID, res.Provider, res.Model, decision.Mode, tokens)
	s.deps.Knowledge.Commit(r.Context(), atomIDs)

	writeJSON(w, http.StatusOK, res)
}

// recordUsage enqueues the metering rows for one successful request: always
// an ai_request row, plus a smart_mode row when the smart cascade served it.
func (s *server) recordUsage(userID, provider, model, mode string, tokens int) {
	if s.deps.Usage == nil {
		return
	}
	s.deps.Usage.Record(relay.UsageRecord{
		UserID:     userID,
		Action:     relay.ActionAIRequest,
		Provider:   provider,
		Model:      model,
		TokensUsed: tokens,
	})
	if mode == relay.ModeSmart {
		s.deps.Usage.Record(relay.UsageRecord{
			UserID:   userID,
			Action:   relay.ActionSmartMode,
			Provider: provider,
			Model:    model,
		})
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "total").Add(float64(tokens))
		s.deps.Metrics.UsageQueueLength.Set(float64(s.deps.Usage.QueueLen()))
	}
}

// handleTranscriptionToken vends a short-lived STT token.
func (s *server) handleTranscriptionToken(w http.ResponseWriter, r *http.Request) {
	u, err := s.user(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Provider string `json:"provider"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Provider == "" {
		req.Provider = relay.ProviderDeepgram
	}
	tok, err := s.deps.Transcribe.Mint(r.Context(), u, req.Provider)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Usage != nil {
		s.deps.Usage.Record(relay.UsageRecord{
			UserID:   u.ID,
			Action:   relay.ActionTranscription,
			Provider: req.Provider,
		})
	}
	writeJSON(w, http.StatusOK, tok)
}
