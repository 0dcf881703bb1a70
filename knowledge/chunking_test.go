package knowledge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerSplit_BlankInput(t *testing.T) {
	c := NewChunker(50, 10)
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("  \n\r\n\t "))
}

func TestChunkerSplit_ShortTextIsOneSegment(t *testing.T) {
	segments := NewChunker(50, 10).Split("A short note.")
	require.Len(t, segments, 1)
	assert.Equal(t, "A short note.", segments[0].Text)
	assert.Equal(t, 0, segments[0].Start)
	assert.Positive(t, segments[0].TokenCount)
}

func TestChunkerSplit_WindowsOverlapExactly(t *testing.T) {
	tests := []struct {
		name    string
		window  int
		overlap int
		text    string
	}{
		{
			name:    "sentences",
			window:  60,
			overlap: 12,
			text:    strings.Repeat("The supplier may end the contract with notice. ", 20),
		},
		{
			name:    "no boundaries",
			window:  40,
			overlap: 8,
			text:    strings.Repeat("x", 333),
		},
		{
			name:    "paragraphs",
			window:  80,
			overlap: 16,
			text:    strings.Repeat("Payment is due monthly.\n\nDelivery happens weekly.\n", 15),
		},
		{
			name:    "multibyte",
			window:  30,
			overlap: 5,
			text:    strings.Repeat("合同终止需要提前通知。", 20),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunker(tt.window, tt.overlap)
			segments := c.Split(tt.text)
			require.Greater(t, len(segments), 1)

			normalized := []rune(strings.TrimSpace(tt.text))
			for i, seg := range segments {
				length := utf8.RuneCountInString(seg.Text)
				assert.LessOrEqual(t, length, tt.window, "segment %d too long", i)
				assert.Equal(t, string(normalized[seg.Start:seg.Start+length]), seg.Text, "segment %d text", i)
				if i == 0 {
					continue
				}
				prev := segments[i-1]
				prevEnd := prev.Start + utf8.RuneCountInString(prev.Text)
				assert.Equal(t, prevEnd-tt.overlap, seg.Start, "segment %d must start overlap runes before previous end", i)
				assert.Greater(t, seg.Start, prev.Start, "segments must advance")
			}

			last := segments[len(segments)-1]
			assert.Equal(t, len(normalized), last.Start+utf8.RuneCountInString(last.Text), "last segment ends at text end")
		})
	}
}

func TestChunkerSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("Warranty claims are handled within thirty days. ", 30)
	c := NewChunker(90, 15)
	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestChunkerSplit_PrefersParagraphBreak(t *testing.T) {
	text := "First paragraph talks about payment terms.\n\nSecond paragraph covers delivery. More text follows here."
	segments := NewChunker(70, 5).Split(text)
	require.NotEmpty(t, segments)
	assert.True(t, strings.HasSuffix(segments[0].Text, "\n\n"), "got %q", segments[0].Text)
}

func TestNewChunker_Defaults(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, defaultChunkWindow, c.Window())
	assert.Equal(t, defaultChunkWindow/5, c.Overlap())

	c = NewChunker(100, 100)
	assert.Equal(t, 20, c.Overlap())
}

func TestNewChunkerFromEnv(t *testing.T) {
	t.Setenv("KNOWLEDGE_CHUNK_WINDOW", "300")
	t.Setenv("KNOWLEDGE_CHUNK_OVERLAP", "30")
	c := NewChunkerFromEnv()
	assert.Equal(t, 300, c.Window())
	assert.Equal(t, 30, c.Overlap())

	t.Setenv("KNOWLEDGE_CHUNK_OVERLAP", "0")
	c = NewChunkerFromEnv()
	assert.Equal(t, 0, c.Overlap())

	t.Setenv("KNOWLEDGE_CHUNK_OVERLAP", "-3")
	t.Setenv("KNOWLEDGE_CHUNK_WINDOW", "0")
	c = NewChunkerFromEnv()
	assert.Equal(t, defaultChunkWindow, c.Window())
	assert.Equal(t, defaultChunkOverlap, c.Overlap())
}

func TestChunker_ZeroOverlapTilesText(t *testing.T) {
	text := strings.Repeat("Payment is due on delivery. ", 20)
	segments := NewChunker(60, 0).Split(text)
	require.Greater(t, len(segments), 1)

	var rebuilt strings.Builder
	for i, seg := range segments {
		if i > 0 {
			prev := segments[i-1]
			assert.Equal(t, prev.Start+len([]rune(prev.Text)), seg.Start)
		}
		rebuilt.WriteString(seg.Text)
	}
	assert.Equal(t, strings.TrimSpace(text), rebuilt.String())
}
