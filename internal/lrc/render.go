package lrc

import (
	"strings"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// Render writes lines back out as LRC text. Unsynced lines are emitted without tags.
func Render(lines []lyrics.Line, synced bool) string {
	var sb strings.Builder
	for _, l := range lines {
		if synced {
			sb.WriteByte('[')
			sb.WriteString(FormatTime(l.TimeCs))
			sb.WriteByte(']')
		}
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}
