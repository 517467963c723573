package identity

import (
	"net/http"
)

// SetUpstreamHeaders sets the headers the AWS event-stream vendor expects:
// a bearer token, the profile ARN identifying the subscription, and the
// content type its generateAssistantResponse endpoint requires. The
// Anthropic-version/beta-header pair a client sends are client-facing
// dialect headers (see internal/dialect), not something this upstream
// vendor understands, so they are not forwarded here.
func SetUpstreamHeaders(h http.Header, accessToken, profileArn, userAgent string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/x-amz-json-1.1")
	if profileArn != "" {
		h.Set("x-amz-profile-arn", profileArn)
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	} else {
		h.Set("User-Agent", "kiro-cli/1.0 (external, cli)")
	}
}
