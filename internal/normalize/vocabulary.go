package normalize

import (
	_ "embed"
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/jurishealth/internal/model"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Vocabulary holds the lookup tables used to normalize free text.
type Vocabulary struct {
	Specialties map[model.Specialty][]string `yaml:"specialties"`
	Courts      []CourtEntry                 `yaml:"courts"`
	Cities      []CityEntry                  `yaml:"cities"`
}

// CourtEntry is one known court.
type CourtEntry struct {
	Code    string   `yaml:"code"`
	Name    string   `yaml:"name"`
	Segment string   `yaml:"segment"` // CNJ J.TR, e.g. "8.13"
	Aliases []string `yaml:"aliases"`
}

// CityEntry is one known city. Code is the IBGE municipality code.
type CityEntry struct {
	Code    string   `yaml:"code"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// DefaultVocabulary returns the embedded vocabulary.
func DefaultVocabulary() (*Vocabulary, error) {
	return ParseVocabulary(defaultVocabulary)
}

// LoadVocabulary reads a vocabulary from a YAML file.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read vocabulary %s", path)
	}
	return ParseVocabulary(data)
}

// ParseVocabulary decodes a vocabulary document with a top-level
// "vocabulary" key.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var wrapper struct {
		Vocabulary Vocabulary `yaml:"vocabulary"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "normalize: parse vocabulary")
	}
	v := &wrapper.Vocabulary
	for s := range v.Specialties {
		if !s.Valid() || s == model.SpecialtyUnclassified {
			return nil, eris.Errorf("normalize: unknown specialty %q in vocabulary", s)
		}
	}
	return v, nil
}

// index is the folded lookup form of a Vocabulary.
type index struct {
	keywords map[model.Specialty][]string
	courts   map[string]*CourtEntry
	segments map[string]*CourtEntry
	cities   map[string]*CityEntry
}

func buildIndex(v *Vocabulary) *index {
	ix := &index{
		keywords: make(map[model.Specialty][]string, len(v.Specialties)),
		courts:   make(map[string]*CourtEntry),
		segments: make(map[string]*CourtEntry),
		cities:   make(map[string]*CityEntry),
	}
	for s, kws := range v.Specialties {
		for _, kw := range kws {
			if f := Fold(kw); f != "" {
				ix.keywords[s] = append(ix.keywords[s], f)
			}
		}
	}
	for i := range v.Courts {
		c := &v.Courts[i]
		ix.courts[Fold(c.Code)] = c
		ix.courts[Fold(c.Name)] = c
		for _, a := range c.Aliases {
			ix.courts[Fold(a)] = c
		}
		if c.Segment != "" {
			ix.segments[c.Segment] = c
		}
	}
	for i := range v.Cities {
		c := &v.Cities[i]
		ix.cities[c.Code] = c
		ix.cities[Fold(c.Name)] = c
		for _, a := range c.Aliases {
			ix.cities[Fold(a)] = c
		}
	}
	return ix
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases s, strips accents and collapses every run of
// non-alphanumeric characters into a single space.
func Fold(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	var b strings.Builder
	b.Grow(len(out))
	space := false
	for _, r := range out {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// containsPhrase reports whether the folded phrase occurs in folded text on
// word boundaries.
func containsPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}
