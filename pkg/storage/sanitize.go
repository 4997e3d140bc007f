package storage

import "strings"

// SanitizeFilename derives a filesystem-safe name from an arbitrary
// title: trims whitespace, replaces characters forbidden on common
// filesystems with "-", replaces spaces with "_", truncates to 100
// bytes, and substitutes "untitled" for an empty result. Used both to
// compute a document's canonical on-disk path segment here and by the
// Markdown Sink to name the file itself.
func SanitizeFilename(title string) string {
	s := strings.TrimSpace(title)

	replacer := strings.NewReplacer(
		"/", "-", `\`, "-", ":", "-", "*", "-",
		"?", "-", `"`, "-", "<", "-", ">", "-", "|", "-", "\x00", "-",
	)
	s = replacer.Replace(s)
	s = strings.ReplaceAll(s, " ", "_")

	if len(s) > 100 {
		s = truncateToByteLimit(s, 100)
	}

	if s == "" {
		return "untitled"
	}
	return s
}

// truncateToByteLimit truncates s to at most limit bytes without
// splitting a multi-byte UTF-8 rune.
func truncateToByteLimit(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	b := []byte(s)[:limit]
	for len(b) > 0 {
		r := b[len(b)-1]
		if r&0xC0 != 0x80 { // not a UTF-8 continuation byte
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}
