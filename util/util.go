package util

import (
	"math"
	"path/filepath"
	"strings"
	"sync"

	. "github.com/stevegt/goadapt"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// InitTokenizer initializes the tokenizer.  It is safe to call more
// than once.
func InitTokenizer() (err error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codecErr
}

// Tokens returns the tokens for a string.
func Tokens(text string) (tokens []string, err error) {
	defer Return(&err)
	err = InitTokenizer()
	Ck(err)
	_, tokens, err = codec.Encode(text)
	Ck(err)
	return
}

// TokenCount returns the number of tokens in a string.
func TokenCount(text string) (count int, err error) {
	defer Return(&err)
	tokens, err := Tokens(text)
	Ck(err)
	count = len(tokens)
	return
}

// Similarity returns the cosine similarity between two embeddings.
func Similarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Ext returns the lowercased extension of fn without the leading dot.
func Ext(fn string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(fn)), ".")
}

// StringInSlice returns true if a string is in a slice of strings.
func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
