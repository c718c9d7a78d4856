package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Language is a receipt locale.
type Language string

const (
	LangEnglish Language = "en"
	LangSpanish Language = "es"
)

var ErrUnsupportedLanguage = errors.New("report: unsupported language")

//go:embed en.json es.json
var localeFS embed.FS

// locales holds every embedded catalog. English is the reference: each other
// locale must translate exactly its keys.
var locales = loadLocales(LangEnglish, LangSpanish)

func loadLocales(ref Language, others ...Language) map[Language]map[string]string {
	out := map[Language]map[string]string{ref: readLocale(ref)}
	for _, lang := range others {
		msgs := readLocale(lang)
		if missing, extra := keyDiff(out[ref], msgs); len(missing)+len(extra) > 0 {
			panic(fmt.Sprintf("report: locale %s missing %v, unexpected %v", lang, missing, extra))
		}
		out[lang] = msgs
	}
	return out
}

func readLocale(lang Language) map[string]string {
	data, err := localeFS.ReadFile(string(lang) + ".json")
	if err != nil {
		panic(fmt.Sprintf("report: load locale %s: %v", lang, err))
	}
	var msgs map[string]string
	if err := json.Unmarshal(data, &msgs); err != nil {
		panic(fmt.Sprintf("report: parse locale %s: %v", lang, err))
	}
	return msgs
}

func keyDiff(ref, other map[string]string) (missing, extra []string) {
	for k := range ref {
		if _, ok := other[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range other {
		if _, ok := ref[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// Languages lists the supported locales.
func Languages() []Language {
	out := make([]Language, 0, len(locales))
	for l := range locales {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Translator looks up receipt labels. Unknown keys come back unchanged.
type Translator struct {
	lang Language
	msgs map[string]string
}

func NewTranslator(lang Language) Translator {
	msgs, ok := locales[lang]
	if !ok {
		lang, msgs = LangEnglish, locales[LangEnglish]
	}
	return Translator{lang: lang, msgs: msgs}
}

func (t Translator) Lang() Language { return t.lang }

func (t Translator) T(key string) string {
	if v, ok := t.msgs[key]; ok {
		return v
	}
	return key
}

// ParseLanguage maps a tag such as "es-CL" or "en_US" to a locale by its
// primary subtag. It returns English with the error.
func ParseLanguage(tag string) (Language, error) {
	t := strings.ToLower(strings.TrimSpace(tag))
	if t == "" {
		return LangEnglish, nil
	}
	if i := strings.IndexAny(t, "-_"); i > 0 {
		t = t[:i]
	}
	switch t {
	case "english":
		t = string(LangEnglish)
	case "spanish", "español", "espanol":
		t = string(LangSpanish)
	}
	if _, ok := locales[Language(t)]; ok {
		return Language(t), nil
	}
	return LangEnglish, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, tag)
}
