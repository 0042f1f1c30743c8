package fingerprint

import "strings"

// probeSentinel substitutes any signal whose client-side probe failed or is
// unsupported, keeping the signal list fixed-length and the hash deterministic.
const probeSentinel = "unavailable"

// Signals carries the passive device/browser probe results reported by a
// client. Individual probes may fail independently; an empty field is treated
// as a failed probe. Degraded marks a client whose full probe pipeline threw,
// in which case only the minimal subset is trusted.
type Signals struct {
	UserAgent      string `json:"user_agent"`
	ScreenGeometry string `json:"screen_geometry"`
	Timezone       string `json:"timezone"`
	CanvasProbe    string `json:"canvas_probe"`
	AudioProbe     string `json:"audio_probe"`
	FontProbe      string `json:"font_probe"`
	WebGLRenderer  string `json:"webgl_renderer"`
	Degraded       bool   `json:"degraded"`
}

// ordered returns the full signal list in its fixed order, with the sentinel
// substituted for every failed probe.
func (s Signals) ordered() []string {
	return []string{
		orSentinel(s.UserAgent),
		orSentinel(s.ScreenGeometry),
		orSentinel(s.Timezone),
		orSentinel(s.CanvasProbe),
		orSentinel(s.AudioProbe),
		orSentinel(s.FontProbe),
		orSentinel(s.WebGLRenderer),
	}
}

// minimal returns the degraded-fallback subset.
func (s Signals) minimal() []string {
	return []string{
		orSentinel(s.UserAgent),
		orSentinel(s.ScreenGeometry),
		orSentinel(s.Timezone),
	}
}

func orSentinel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return probeSentinel
	}
	return trimmed
}
