package lrc

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// QualityOptions configures the optional low-quality gate.
type QualityOptions struct {
	Enabled  bool
	MinLines int
	MinChars int
	// MinDuration rejects tracks known to be shorter. Unknown durations pass.
	MinDuration time.Duration
	// Languages, when non-empty, lists the accepted language codes.
	Languages []string
}

// Options configures a Parser.
type Options struct {
	Quality QualityOptions
	// DurationBucket, when positive, adds the duration rounded to this width to
	// the track identity, keeping different cuts of a song apart.
	DurationBucket time.Duration
}

// Parser turns raw documents into canonical lyric records.
type Parser struct {
	hasher  lyrics.Hasher
	quality QualityOptions
	bucket  time.Duration
	logger  *zap.Logger
}

// New builds a Parser. The hasher computes record fingerprints.
func New(hasher lyrics.Hasher, opts Options, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{hasher: hasher, quality: opts.Quality, bucket: opts.DurationBucket, logger: logger.Named("lrc")}
}

type document struct {
	lines     []lyrics.Line
	synced    bool
	title     string
	artist    string
	album     string
	lengthMs  int64
	offsetMs  int64
	malformed int
}

// Parse implements lyrics.Parser.
func (p *Parser) Parse(raw lyrics.RawDocument) (lyrics.LyricRecord, error) {
	body := normalizeBody(raw.Body)

	var doc document
	switch raw.Format {
	case lyrics.FormatText:
		doc = parseText(body)
	default:
		doc = parseLRC(body)
		if !doc.synced {
			// A lyric file without a single time tag is treated as plain text.
			plain := parseText(body)
			plain.title, plain.artist, plain.album, plain.lengthMs = doc.title, doc.artist, doc.album, doc.lengthMs
			plain.malformed = 0
			doc = plain
		}
	}
	if doc.malformed > 0 {
		p.logger.Debug("dropped malformed lines",
			zap.String("source_id", raw.SourceID),
			zap.String("path", raw.Path),
			zap.Int("count", doc.malformed),
		)
	}

	rec := lyrics.LyricRecord{
		Title:        CollapseSpace(firstNonEmpty(doc.title, raw.Hint.Title)),
		Artist:       CollapseSpace(firstNonEmpty(doc.artist, raw.Hint.Artist)),
		Album:        CollapseSpace(firstNonEmpty(doc.album, raw.Hint.Album)),
		DurationMs:   raw.Hint.DurationMs,
		Lines:        doc.lines,
		Synced:       doc.synced,
		SourceID:     raw.SourceID,
		SourceMarker: raw.SourceMarker,
		FetchedAt:    raw.FetchedAt,
	}
	if rec.DurationMs == 0 {
		rec.DurationMs = doc.lengthMs
	}
	rec.Identity = Identity(rec.Artist, rec.Title, raw.SourceID)
	if p.bucket > 0 && !strings.HasPrefix(rec.Identity, sourceIdentityPrefix) {
		rec.Identity += "\t" + strconv.FormatInt(DurationBucket(rec.DurationMs, p.bucket), 10)
	}

	content := rec.ContentLines()
	if content == 0 {
		return lyrics.LyricRecord{}, &lyrics.ParseError{
			SourceID: raw.SourceID,
			Path:     raw.Path,
			Kind:     lyrics.ParseUnparseable,
			Detail:   fmt.Sprintf("no lyric lines (%d malformed)", doc.malformed),
		}
	}

	text := plainText(rec.Lines)
	rec.Lang = Classify(text)
	if err := p.checkQuality(raw, content, text, rec.Lang, rec.DurationMs); err != nil {
		return lyrics.LyricRecord{}, err
	}

	fp, err := Fingerprint(p.hasher, rec.Identity, rec.Lines)
	if err != nil {
		return lyrics.LyricRecord{}, fmt.Errorf("fingerprint %s: %w", raw.SourceID, err)
	}
	rec.Fingerprint = fp
	if rec.TextFingerprint, err = TextFingerprint(p.hasher, text); err != nil {
		return lyrics.LyricRecord{}, fmt.Errorf("text fingerprint %s: %w", raw.SourceID, err)
	}
	return rec, nil
}

func (p *Parser) checkQuality(raw lyrics.RawDocument, content int, text, lang string, durationMs int64) error {
	if len(p.quality.Languages) > 0 && !slices.Contains(p.quality.Languages, lang) {
		return lowQuality(raw, fmt.Sprintf("language %q not accepted", lang))
	}
	if !p.quality.Enabled {
		return nil
	}
	if content < p.quality.MinLines {
		return lowQuality(raw, fmt.Sprintf("%d lines, need %d", content, p.quality.MinLines))
	}
	if n := utf8.RuneCountInString(text); n < p.quality.MinChars {
		return lowQuality(raw, fmt.Sprintf("%d characters, need %d", n, p.quality.MinChars))
	}
	if d := time.Duration(durationMs) * time.Millisecond; d > 0 && d < p.quality.MinDuration {
		return lowQuality(raw, fmt.Sprintf("duration %s, need %s", d, p.quality.MinDuration))
	}
	return nil
}

func lowQuality(raw lyrics.RawDocument, detail string) error {
	return &lyrics.ParseError{SourceID: raw.SourceID, Path: raw.Path, Kind: lyrics.ParseLowQuality, Detail: detail}
}

// Fingerprint hashes the identity and the folded, timed lines. It is a pure
// function of the canonical form.
func Fingerprint(h lyrics.Hasher, identity string, lines []lyrics.Line) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(identity)
	buf.WriteByte('\n')
	for _, l := range lines {
		buf.WriteString(strconv.FormatInt(l.TimeCs, 10))
		buf.WriteByte('\t')
		buf.WriteString(FoldText(l.Text))
		buf.WriteByte('\n')
	}
	sum, err := h.Hash(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return sum, nil
}

// TextFingerprint hashes the lyric text alone, with parenthesised asides and
// everything but letters and digits removed. Identical lyrics filed under
// different metadata share it. Text with nothing left after folding has none.
func TextFingerprint(h lyrics.Hasher, text string) (string, error) {
	folded := reParen.ReplaceAllString(text, "")
	folded = strings.ToLower(reNonWord.ReplaceAllString(folded, ""))
	if folded == "" {
		return "", nil
	}
	sum, err := h.Hash([]byte(folded))
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return sum, nil
}

// DurationBucket rounds durationMs to the nearest multiple of width, counted in widths.
func DurationBucket(durationMs int64, width time.Duration) int64 {
	w := width.Milliseconds()
	if w <= 0 || durationMs <= 0 {
		return 0
	}
	return (durationMs + w/2) / w
}

// Canonical returns the comparison form of lines: text folded, order kept.
func Canonical(lines []lyrics.Line) []lyrics.Line {
	out := make([]lyrics.Line, len(lines))
	for i, l := range lines {
		out[i] = lyrics.Line{TimeCs: l.TimeCs, Text: FoldText(l.Text)}
	}
	return out
}

func parseLRC(body string) document {
	var doc document
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "[") {
			doc.malformed++
			continue
		}

		var times []int64
		rest := line
		meta := false
		bad := false
		for strings.HasPrefix(rest, "[") {
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				bad = len(times) == 0
				break
			}
			tag := strings.TrimSpace(rest[1:end])
			if tag != "" && tag[0] >= '0' && tag[0] <= '9' {
				cs, err := parseTime(tag)
				if err != nil {
					bad = true
					break
				}
				times = append(times, cs)
				rest = rest[end+1:]
				continue
			}
			if len(times) > 0 {
				// Bracketed text after the time tags belongs to the lyric.
				break
			}
			rest = rest[end+1:]
			key, value, ok := strings.Cut(tag, ":")
			if !ok || !isTagKey(key) {
				bad = true
				break
			}
			doc.applyMeta(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value))
			meta = true
			break
		}
		switch {
		case bad:
			doc.malformed++
			continue
		case meta:
			continue
		}

		text := CollapseSpace(stripWordTags(rest))
		for _, cs := range times {
			doc.lines = append(doc.lines, lyrics.Line{TimeCs: cs, Text: text})
		}
	}

	if doc.offsetMs != 0 {
		shift := doc.offsetMs / 10
		for i := range doc.lines {
			t := doc.lines[i].TimeCs - shift
			if t < 0 {
				t = 0
			}
			doc.lines[i].TimeCs = t
		}
	}
	sort.SliceStable(doc.lines, func(i, j int) bool { return doc.lines[i].TimeCs < doc.lines[j].TimeCs })
	doc.synced = len(doc.lines) > 0
	return doc
}

func (d *document) applyMeta(key, value string) {
	switch key {
	case "ti":
		d.title = value
	case "ar":
		d.artist = value
	case "al":
		d.album = value
	case "length":
		if cs, err := parseTime(value); err == nil {
			d.lengthMs = cs * 10
		}
	case "offset":
		if ms, err := strconv.ParseInt(strings.TrimPrefix(value, "+"), 10, 64); err == nil {
			d.offsetMs = ms
		}
	}
}

func parseText(body string) document {
	var doc document
	for _, raw := range strings.Split(body, "\n") {
		if isBlank(raw) || isMetaLine(raw) {
			continue
		}
		doc.lines = append(doc.lines, lyrics.Line{TimeCs: 0, Text: CollapseSpace(raw)})
	}
	return doc
}

// isMetaLine reports whether a whole line is a single [key:value] tag.
func isMetaLine(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return false
	}
	key, _, ok := strings.Cut(line[1:len(line)-1], ":")
	return ok && isTagKey(key)
}

func isTagKey(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func normalizeBody(b []byte) string {
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	s := strings.ToValidUTF8(string(b), "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func plainText(lines []lyrics.Line) string {
	var sb strings.Builder
	for _, l := range lines {
		if l.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l.Text)
	}
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
