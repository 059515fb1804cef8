// Package textutil provides text processing helpers shared by the
// normalization and retrieval pipeline.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode"
)

// CosineSimilarity computes the cosine similarity of two vectors.
// The result is in [-1, 1]; mismatched or empty vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 - CosineSimilarity, clamped at 0.
func CosineDistance(a, b []float32) float64 {
	d := 1 - CosineSimilarity(a, b)
	if d < 0 {
		return 0
	}
	return d
}

// HashContent computes the SHA-256 hex digest of the concatenated
// parts, separated by a pipe. Passage ids are built from this.
func HashContent(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeIdentifier case-folds s and strips whitespace and
// punctuation, keeping only letters and digits. "COP 3502" and
// "cop-3502" normalize to the same string.
func NormalizeIdentifier(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToUpper(r))
		}
	}
	return sb.String()
}

// NormalizeName lowercases a person name, drops punctuation, and
// collapses runs of whitespace to single spaces.
func NormalizeName(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '.' || r == ',' || r == '-':
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// TokenCount estimates the token count of s. Whitespace-separated
// words count one token each plus one per four characters of overflow
// beyond eight characters, which tracks subword tokenizers closely
// enough for budgeting.
func TokenCount(s string) int {
	n := 0
	for _, w := range strings.Fields(s) {
		n++
		if len(w) > 8 {
			n += (len(w) - 8 + 3) / 4
		}
	}
	return n
}

// SplitSentences splits text on sentence-terminating punctuation
// followed by whitespace. The terminator stays with its sentence.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Consume trailing terminators ("?!", "...").
		j := i
		for j+1 < len(runes) && (runes[j+1] == '.' || runes[j+1] == '!' || runes[j+1] == '?') {
			j++
		}
		if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
			i = j
			continue
		}
		s := strings.TrimSpace(string(runes[start : j+1]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = j + 1
		i = j
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// TruncateAtSentence cuts text to at most maxTokens, always breaking at
// a sentence boundary, never mid-sentence. If even the first sentence
// exceeds the budget it is kept whole.
func TruncateAtSentence(text string, maxTokens int) string {
	if maxTokens <= 0 || TokenCount(text) <= maxTokens {
		return text
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return text
	}

	var sb strings.Builder
	used := 0
	for i, s := range sentences {
		cost := TokenCount(s)
		if i > 0 && used+cost > maxTokens {
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s)
		used += cost
	}
	return sb.String()
}
