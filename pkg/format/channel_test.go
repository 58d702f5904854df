package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSourceChannel(t *testing.T) {
	cases := []struct {
		channel   string
		sessionID string
		want      string
	}{
		{"ui", "s", "ui"},
		{"Web", "s", "ui"},
		{"frontend", "s", "ui"},
		{"telegram_bot", "s", "telegram"},
		{"discord_bot", "s", "discord"},
		{"task", "s", "heartbeat"},
		{"cli", "s", "cli"},
		{"", "telegram_12345", "telegram"},
		{"", "discord_999", "discord"},
		{"", "task_42", "heartbeat"},
		{"", "heartbeat_session", "heartbeat"},
		{"", "sub-researcher", "subagent"},
		{"bogus", "plain-session", "ui"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeSourceChannel(tc.channel, tc.sessionID),
			"channel=%q session=%q", tc.channel, tc.sessionID)
	}
}

func TestFormatSanitizesLinks(t *testing.T) {
	in := "See [docs](https://example.com/a) and <https://example.com/b>\r\nend"
	out := FormatForChannel(in, "ui")
	assert.Equal(t, "See docs (https://example.com/a) and https://example.com/b\nend", out)
}

func TestFormatTelegramFlattensMarkdown(t *testing.T) {
	in := "## Title\n> quoted\n* item one\n```python\nprint(1)\n```\n**bold** and `code`"
	out := FormatForChannel(in, "telegram")
	assert.Equal(t, "Title\nquoted\n- item one\nCode:\nprint(1)\n\nbold and code", out)
}

func TestFormatDiscordKeepsMarkdown(t *testing.T) {
	in := "## Title\n**bold**"
	assert.Equal(t, in, FormatForChannel(in, "discord"))
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	chunks := SplitForChannel("short", "telegram")
	assert.Equal(t, []string{"short"}, chunks)
	assert.Nil(t, SplitForChannel("", "telegram"))
}

func TestSplitPrefersNewlineThenWhitespace(t *testing.T) {
	line := strings.Repeat("x", 30)
	text := line + "\n" + strings.Repeat("y", 40)
	chunks := SplitForChannel(text, "ui") // limit 48
	require.Len(t, chunks, 2)
	assert.Equal(t, line, chunks[0])
	assert.Equal(t, "\n"+strings.Repeat("y", 40), chunks[1])

	// No newline in range: fall back to the last space.
	text = strings.Repeat("a", 30) + " " + strings.Repeat("b", 40)
	chunks = SplitForChannel(text, "ui")
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 30), chunks[0])
}

func TestSplitHardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("z", 100)
	chunks := SplitForChannel(text, "ui")
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 48)
	assert.Len(t, chunks[1], 48)
	assert.Len(t, chunks[2], 4)
}

func TestSplitReassemblesLossless(t *testing.T) {
	text := strings.Repeat("word boundary test ", 40) + "\nfinal line"
	chunks := SplitForChannel(text, "ui")
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestRequestChannelContext(t *testing.T) {
	block := RequestChannelContext("telegram", map[string]any{
		"platform_username": "sam",
		"chat_id":           12345,
		"irrelevant":        "dropped",
	})
	assert.Contains(t, block, "REQUEST CONTEXT:")
	assert.Contains(t, block, "- Source channel: telegram")
	assert.Contains(t, block, "platform_username=sam")
	assert.Contains(t, block, "chat_id=12345")
	assert.NotContains(t, block, "irrelevant")

	bare := RequestChannelContext("ui", nil)
	assert.NotContains(t, bare, "Source metadata")
}
