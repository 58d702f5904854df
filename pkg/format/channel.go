// Package format adapts agent responses to the delivery channel:
// source-channel normalization, markdown sanitization, and splitting
// into channel-sized chunks.
package format

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// channelLimits are the chunk sizes per channel. The ui size drives
// pseudo-streaming; telegram and discord stay under their platform
// message caps with a safety margin.
var channelLimits = map[string]int{
	"ui":       48,
	"telegram": 4000,
	"discord":  1900,
}

var channelAliases = map[string]string{
	"web":          "ui",
	"frontend":     "ui",
	"chat":         "ui",
	"telegram_bot": "telegram",
	"discord_bot":  "discord",
	"task":         "heartbeat",
}

var allowedChannels = map[string]bool{
	"ui":        true,
	"telegram":  true,
	"discord":   true,
	"heartbeat": true,
	"subagent":  true,
	"api":       true,
	"cli":       true,
}

// NormalizeSourceChannel resolves the declared channel, falling back
// to inference from the session id prefix, then to "ui".
func NormalizeSourceChannel(channel, sessionID string) string {
	value := strings.ToLower(strings.TrimSpace(channel))
	if alias, ok := channelAliases[value]; ok {
		value = alias
	}
	if allowedChannels[value] {
		return value
	}

	sid := strings.ToLower(sessionID)
	switch {
	case strings.HasPrefix(sid, "telegram_"):
		return "telegram"
	case strings.HasPrefix(sid, "discord_"):
		return "discord"
	case strings.HasPrefix(sid, "task_") || sid == "heartbeat_session":
		return "heartbeat"
	case strings.HasPrefix(sid, "sub-"):
		return "subagent"
	}
	return "ui"
}

// normalizeDeliveryChannel collapses a channel to one with a split
// limit; anything unknown renders as ui.
func normalizeDeliveryChannel(channel string) string {
	value := strings.ToLower(strings.TrimSpace(channel))
	if _, ok := channelLimits[value]; ok {
		return value
	}
	return "ui"
}

var (
	markdownLinkRe = regexp.MustCompile(`\[(.*?)\]\((https?://[^\s)]+)\)`)
	angleURLRe     = regexp.MustCompile(`<(https?://[^>]+)>`)
	headingRe      = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	blockquoteRe   = regexp.MustCompile(`(?m)^\s{0,3}>\s?`)
	listBulletRe   = regexp.MustCompile(`(?m)^\s{0,3}[-*+]\s+`)
	codeFenceRe    = regexp.MustCompile("```([a-zA-Z0-9_-]+)?\n")
)

func sanitizeCommon(text string) string {
	out := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	out = markdownLinkRe.ReplaceAllString(out, "$1 ($2)")
	out = angleURLRe.ReplaceAllString(out, "$1")
	return out
}

// toPlainText flattens markdown for channels without rich rendering.
func toPlainText(text string) string {
	out := headingRe.ReplaceAllString(text, "")
	out = blockquoteRe.ReplaceAllString(out, "")
	out = listBulletRe.ReplaceAllString(out, "- ")
	out = codeFenceRe.ReplaceAllString(out, "Code:\n")
	out = strings.ReplaceAll(out, "```", "")
	out = strings.ReplaceAll(out, "**", "")
	out = strings.ReplaceAll(out, "__", "")
	out = strings.ReplaceAll(out, "`", "")
	return out
}

// FormatForChannel sanitizes a response for delivery. ui and discord
// keep markdown; telegram is flattened to plain text.
func FormatForChannel(text, channel string) string {
	content := sanitizeCommon(text)
	if normalizeDeliveryChannel(channel) == "telegram" {
		return toPlainText(content)
	}
	return content
}

// SplitForChannel cuts a response into channel-sized chunks, preferring
// newline boundaries, then whitespace, then a hard cut. Boundary
// whitespace is preserved so concatenating the chunks reproduces the
// original text.
func SplitForChannel(text, channel string) []string {
	maxLen := channelLimits[normalizeDeliveryChannel(channel)]
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := strings.LastIndex(remaining[:maxLen], "\n")
		if splitAt < maxLen/2 {
			splitAt = strings.LastIndex(remaining[:maxLen], " ")
		}
		if splitAt < maxLen/2 {
			splitAt = maxLen
		}
		if chunk := remaining[:splitAt]; chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = remaining[splitAt:]
	}
	return chunks
}

// RequestChannelContext renders the per-request channel block appended
// to the system prompt.
func RequestChannelContext(sourceChannel string, sourceMetadata map[string]any) string {
	lines := []string{
		"REQUEST CONTEXT:",
		"- Source channel: " + sourceChannel,
	}
	if len(sourceMetadata) > 0 {
		var items []string
		for _, key := range []string{"platform_user_id", "platform_username", "chat_id", "is_dm", "transport"} {
			raw, ok := sourceMetadata[key]
			if !ok {
				continue
			}
			value := strings.TrimSpace(fmt.Sprint(raw))
			if value == "" {
				continue
			}
			items = append(items, key+"="+value)
		}
		if len(items) > 0 {
			lines = append(lines, "- Source metadata: "+strings.Join(items, ", "))
		}
	}
	lines = append(lines, "- Adapt tone/format/tool choices to this channel while preserving the same task outcome.")
	return strings.Join(lines, "\n")
}

// Channels lists the channels with delivery limits, sorted.
func Channels() []string {
	out := make([]string, 0, len(channelLimits))
	for c := range channelLimits {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
