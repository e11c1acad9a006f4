package lrc

// Language codes assigned by Classify.
const (
	LangJapanese = "ja"
	LangKorean   = "ko"
	LangEnglish  = "en"
	LangUnknown  = "und"
)

// Classify guesses the dominant script of lyric text (timestamps already removed).
// Kana decides Japanese and Hangul decides Korean as soon as ten characters are
// seen; Latin needs thirty. Texts dominated by Arabic, Cyrillic, Devanagari or Thai
// are reported as unknown.
func Classify(text string) string {
	if len(text) < 30 {
		return LangUnknown
	}
	var ja, ko, latin, exclude int
	for _, r := range text {
		switch {
		case (r >= 0x3040 && r <= 0x309F) || (r >= 0x30A0 && r <= 0x30FF):
			ja++
			if ja >= 10 {
				return LangJapanese
			}
		case r >= 0xAC00 && r <= 0xD7AF:
			ko++
			if ko >= 10 {
				return LangKorean
			}
		case (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= 0xC0 && r <= 0x24F):
			latin++
		case (r >= 0x600 && r <= 0x6FF) || (r >= 0x400 && r <= 0x4FF) ||
			(r >= 0x900 && r <= 0x97F) || (r >= 0xE00 && r <= 0xE7F):
			exclude++
		}
	}
	if exclude > 50 && exclude > latin {
		return LangUnknown
	}
	if latin >= 30 {
		return LangEnglish
	}
	return LangUnknown
}
