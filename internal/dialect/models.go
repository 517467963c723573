package dialect

// modelAliases is the static model-name mapping table: each client-facing
// model name a dialect might present, mapped to the upstream vendor's
// canonical model identifier. Unknown names pass through unchanged — the
// upstream rejects them on its own terms.
var modelAliases = map[string]string{
	"claude-opus-4-6":              "claude-opus-4-6-20260115",
	"claude-opus-4-5":              "claude-opus-4-5-20250929",
	"claude-sonnet-4-5":            "claude-sonnet-4-5-20250929",
	"claude-3-7-sonnet":            "claude-3-7-sonnet-20250219",
	"gpt-5":                        "claude-sonnet-4-5-20250929",
	"gpt-5-codex":                  "claude-opus-4-5-20250929",
	"o1":                           "claude-opus-4-5-20250929",
	"gemini-2.5-pro":               "claude-opus-4-5-20250929",
	"gemini-2.5-flash":             "claude-sonnet-4-5-20250929",
}

// MapModel resolves a client-presented model name to the upstream
// identifier, passing unknown names through unchanged.
func MapModel(clientModel string) string {
	if mapped, ok := modelAliases[clientModel]; ok {
		return mapped
	}
	return clientModel
}

// IsPremiumTier reports whether a model is in the premium/Opus rate-limit
// tier the rate limiter tracks separately.
func IsPremiumTier(upstreamModel string) bool {
	return len(upstreamModel) >= 12 && upstreamModel[:12] == "claude-opus-"
}

// ListModels enumerates the client-facing model names GET /v1/models
// advertises.
func ListModels() []string {
	names := make([]string, 0, len(modelAliases))
	for name := range modelAliases {
		names = append(names, name)
	}
	return names
}
