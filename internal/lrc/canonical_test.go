package lrc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "yoasobi", NormalizeArtist("YOASOBI (ヨアソビ)"))
	assert.Equal(t, "artist", NormalizeArtist("Artist feat. Someone Else"))
	assert.Equal(t, "artist", NormalizeArtist("Artist ft Someone"))
	assert.Equal(t, "artist", NormalizeArtist("Artist with Orchestra"))
	assert.Equal(t, "stay with me", NormalizeTitle("Stay With Me"))
	assert.Equal(t, "夜に駆ける", NormalizeTitle("夜に駆ける【MV】"))
	assert.Equal(t, "dont stop", NormalizeTitle("Don't   Stop! [Remastered 2011]"))
	assert.Equal(t, "artist\tsong", Identity(" ARTIST ", "song!", "o/r"))
	assert.Equal(t, "source:o/r", Identity("", "()", "o/r"))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LangKorean, Classify("가나다라마바사아자차카타파하 노래 가사입니다"))
	assert.Equal(t, LangEnglish, Classify(strings.Repeat("hello world ", 5)))
	assert.Equal(t, LangUnknown, Classify("short"))
	assert.Equal(t, LangUnknown, Classify(strings.Repeat("привет ", 20)))
}
