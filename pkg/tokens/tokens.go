package tokens

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// MessageOverhead approximates role markers and separators added per message.
const MessageOverhead = 4

const DefaultEncoding = "cl100k_base"

// Counter estimates how many model tokens a text occupies.
type Counter interface {
	Count(text string) int
}

// Estimator counts CJK runes at ~1.5 per token and everything else at ~4.
// Used when no BPE vocabulary is available.
type Estimator struct{}

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}

	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if IsCJK(r) {
			cjk++
		}
	}

	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

// Tiktoken counts with a real BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

var (
	shared     Counter
	sharedOnce sync.Once
)

// Default returns a process-wide counter. It loads cl100k_base once and falls
// back to the Estimator when the vocabulary cannot be loaded (offline hosts).
func Default() Counter {
	sharedOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			shared = Estimator{}
			return
		}
		shared = &Tiktoken{enc: enc}
	})
	return shared
}

// New returns a counter for the named encoding, or the Estimator when name is
// "estimate" or the encoding is unavailable.
func New(name string) Counter {
	if name == "" || name == DefaultEncoding {
		return Default()
	}
	if name == "estimate" {
		return Estimator{}
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return Estimator{}
	}
	return &Tiktoken{enc: enc}
}

// CountMessage is the cost of one chat message including its overhead.
func CountMessage(c Counter, content string) int {
	return c.Count(content) + MessageOverhead
}

// Truncate cuts text to at most max tokens, preferring a sentence boundary.
func Truncate(c Counter, text string, max int) string {
	if max <= 0 {
		return ""
	}
	if c.Count(text) <= max {
		return text
	}

	var b strings.Builder
	for _, sentence := range SplitSentences(text) {
		candidate := sentence
		if b.Len() > 0 {
			candidate = b.String() + " " + sentence
		}
		if c.Count(candidate) > max {
			break
		}
		b.Reset()
		b.WriteString(candidate)
	}
	if b.Len() > 0 {
		return b.String()
	}

	// first sentence alone is too long, cut by words
	words := strings.Fields(text)
	for _, w := range words {
		candidate := w
		if b.Len() > 0 {
			candidate = b.String() + " " + w
		}
		if c.Count(candidate) > max {
			break
		}
		b.Reset()
		b.WriteString(candidate)
	}
	return b.String()
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '．': true, '…': true,
}

// SplitSentences splits text into paragraphs and then sentences. A sentence
// ends at a terminator followed by whitespace, a CJK rune or end of input.
func SplitSentences(text string) []string {
	var sentences []string

	for _, para := range splitParagraphs(text) {
		var current strings.Builder
		runes := []rune(para)

		for i, r := range runes {
			current.WriteRune(r)

			if sentenceEnders[r] {
				if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) || IsCJK(runes[i+1]) {
					if s := strings.TrimSpace(current.String()); s != "" {
						sentences = append(sentences, s)
					}
					current.Reset()
				}
			}
		}

		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
	}

	if len(sentences) == 0 && strings.TrimSpace(text) != "" {
		return []string{strings.TrimSpace(text)}
	}
	return sentences
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n\n")

	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\n", " "))
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func IsCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
