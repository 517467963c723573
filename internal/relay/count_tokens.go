package relay

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nero-labs/kiro-relay/internal/auth"
)

// HandleCountTokens answers Anthropic's /v1/messages/count_tokens locally.
// The upstream vendor has no equivalent endpoint (see estimateTokens in
// upstream.go), so this estimates from the request body directly without
// ever dispatching upstream or consuming an identity's quota.
func (e *Engine) HandleCountTokens(w http.ResponseWriter, req *http.Request) {
	keyInfo := auth.GetKeyInfo(req.Context())
	if keyInfo == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, int64(e.cfg.MaxRequestBodyMB)<<20)
	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}

	var body struct {
		System   json.RawMessage `json:"system"`
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	total := estimateTokens(string(body.System))
	for _, m := range body.Messages {
		total += estimateTokens(string(m.Content))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{"input_tokens": total})
}
