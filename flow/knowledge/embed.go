package knowledge

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// EmbeddingDims is the dimensionality of the built-in hash embedder.
const EmbeddingDims = 256

// Embedder converts text to a fixed-length vector. Implementations must be
// deterministic for a given input so retrieval ranking is reproducible.
type Embedder interface {
	Embed(text string) []float64
}

// HashEmbedder is the default embedder: lowercase tokens hash into a fixed
// number of buckets and the bucket counts are L2-normalized. No model, no
// network, fully deterministic. Ranking quality is term-overlap only, which
// is enough for tests and small corpora; swap in a real embedding model for
// semantic retrieval.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with the given dimensionality;
// values below 1 fall back to EmbeddingDims.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = EmbeddingDims
	}
	return &HashEmbedder{dims: dims}
}

// Embed hashes each token into a bucket and normalizes the counts.
func (e *HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%e.dims]++
	}
	return l2Normalize(vec)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func l2Normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors and mismatched lengths score zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
