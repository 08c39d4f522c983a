package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"bandi/internal/textnorm"
)

var stopwords = map[string]bool{
	"a": true, "ad": true, "al": true, "alla": true, "alle": true, "and": true, "con": true,
	"da": true, "dal": true, "dalla": true, "dei": true, "del": true, "della": true, "delle": true,
	"di": true, "e": true, "for": true, "gli": true, "i": true, "il": true, "in": true, "la": true,
	"le": true, "lo": true, "nel": true, "nella": true, "of": true, "per": true, "su": true,
	"the": true, "to": true, "tra": true, "un": true, "una": true, "uno": true,
}

// Hashing is an offline embedder. Folded words, word pairs and five-letter prefixes are
// hashed into a fixed number of signed buckets and the result is L2-normalized.
type Hashing struct {
	dims int
}

func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = 384
	}
	return &Hashing{dims: dims}
}

func (h *Hashing) Name() string    { return "local" }
func (h *Hashing) Dimensions() int { return h.dims }

func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h *Hashing) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	acc := make([]float64, h.dims)
	words := tokenize(text)
	for i, w := range words {
		h.add(acc, "w:"+w, 1)
		if r := []rune(w); len(r) > 5 {
			h.add(acc, "p:"+string(r[:5]), 0.5)
		}
		if i > 0 {
			h.add(acc, "b:"+words[i-1]+" "+w, 0.7)
		}
	}
	var sum float64
	for _, x := range acc {
		sum += x * x
	}
	out := make([]float32, h.dims)
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range acc {
		out[i] = float32(x * inv)
	}
	return out
}

func (h *Hashing) add(acc []float64, feature string, weight float64) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(textnorm.Key(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
