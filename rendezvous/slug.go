package rendezvous

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// words makes up long slugs. Four of them give 2^24 combinations.
var words = []string{
	"amber", "anchor", "apple", "arrow", "aspen", "autumn", "badger", "bamboo",
	"beacon", "birch", "bison", "blossom", "breeze", "brook", "cactus", "canyon",
	"cedar", "cherry", "cinder", "clover", "cobalt", "comet", "coral", "cotton",
	"crystal", "cypress", "dawn", "delta", "desert", "dolphin", "dune", "eagle",
	"ember", "falcon", "fern", "fjord", "forest", "fossil", "galaxy", "garnet",
	"glacier", "granite", "harbor", "hazel", "heron", "hollow", "island", "ivory",
	"jasper", "juniper", "kettle", "lagoon", "lantern", "lemon", "lotus", "maple",
	"meadow", "mesa", "mint", "mosaic", "nebula", "oasis", "orchid", "otter",
	"pebble", "pepper", "pine", "plume", "prairie", "quartz", "quill", "raven",
	"reef", "ridge", "river", "saffron", "sage", "sparrow", "spruce", "summit",
	"thistle", "thunder", "tulip", "tundra", "valley", "velvet", "violet", "walnut",
	"willow", "winter", "yarrow", "zephyr",
}

// shortAlphabet leaves out characters that are easy to misread.
const shortAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

const (
	longSlugWords = 4
	shortSlugLen  = 8
)

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("rendezvous: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}

// NewLongSlug returns four random words joined by "/".
func NewLongSlug() string {
	parts := make([]string, longSlugWords)
	for i := range parts {
		parts[i] = words[randIndex(len(words))]
	}
	return strings.Join(parts, "/")
}

// NewShortSlug returns eight random lowercase characters.
func NewShortSlug() string {
	b := make([]byte, shortSlugLen)
	for i := range b {
		b[i] = shortAlphabet[randIndex(len(shortAlphabet))]
	}
	return string(b)
}

func newSecret() string {
	return uuid.NewString()
}

// ShareURL builds the link a receiver opens for slug.
func ShareURL(baseURL, slug string) string {
	return strings.TrimRight(baseURL, "/") + "/download/" + slug
}
