// Package language holds the catalog of recognition language tags.
package language

// Language describes a selectable recognition language.
type Language struct {
	Tag        string `json:"tag" yaml:"tag"`
	Name       string `json:"name" yaml:"name"`
	NativeName string `json:"nativeName" yaml:"nativeName"`
	Flag       string `json:"flag,omitempty" yaml:"flag"`
}

// DefaultTag is used when no language is selected.
const DefaultTag = "vi-VN"

var catalog = []Language{
	{Tag: "en-US", Name: "English (US)", NativeName: "English (US)", Flag: "🇺🇸"},
	{Tag: "vi-VN", Name: "Vietnamese", NativeName: "Tiếng Việt", Flag: "🇻🇳"},
	{Tag: "en-GB", Name: "English (UK)", NativeName: "English (UK)", Flag: "🇬🇧"},
	{Tag: "ja-JP", Name: "Japanese", NativeName: "日本語", Flag: "🇯🇵"},
	{Tag: "ko-KR", Name: "Korean", NativeName: "한국어", Flag: "🇰🇷"},
	{Tag: "zh-CN", Name: "Chinese (Simplified)", NativeName: "简体中文", Flag: "🇨🇳"},
	{Tag: "zh-TW", Name: "Chinese (Traditional)", NativeName: "繁體中文", Flag: "🇹🇼"},
	{Tag: "fr-FR", Name: "French", NativeName: "Français", Flag: "🇫🇷"},
	{Tag: "de-DE", Name: "German", NativeName: "Deutsch", Flag: "🇩🇪"},
	{Tag: "es-ES", Name: "Spanish", NativeName: "Español", Flag: "🇪🇸"},
	{Tag: "it-IT", Name: "Italian", NativeName: "Italiano", Flag: "🇮🇹"},
	{Tag: "pt-BR", Name: "Portuguese (Brazil)", NativeName: "Português (Brasil)", Flag: "🇧🇷"},
	{Tag: "pt-PT", Name: "Portuguese (Portugal)", NativeName: "Português (Portugal)", Flag: "🇵🇹"},
	{Tag: "ru-RU", Name: "Russian", NativeName: "Русский", Flag: "🇷🇺"},
	{Tag: "th-TH", Name: "Thai", NativeName: "ไทย", Flag: "🇹🇭"},
}

// All returns a copy of the full catalog in display order.
func All() []Language {
	out := make([]Language, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a language by its tag.
func Lookup(tag string) (Language, bool) {
	for _, l := range catalog {
		if l.Tag == tag {
			return l, true
		}
	}
	return Language{}, false
}

// IsSupported reports whether tag is in the catalog.
func IsSupported(tag string) bool {
	_, ok := Lookup(tag)
	return ok
}

// Default returns the default language.
func Default() Language {
	l, _ := Lookup(DefaultTag)
	return l
}

// DisplayName renders "<flag> <native name>", or the tag itself when unknown.
func DisplayName(tag string) string {
	l, ok := Lookup(tag)
	if !ok {
		return tag
	}
	return l.Flag + " " + l.NativeName
}

// Filter keeps catalog entries whose tag appears in tags, preserving catalog order.
// An empty tags slice returns the full catalog.
func Filter(tags []string) []Language {
	if len(tags) == 0 {
		return All()
	}
	allowed := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		allowed[t] = struct{}{}
	}
	out := make([]Language, 0, len(tags))
	for _, l := range catalog {
		if _, ok := allowed[l.Tag]; ok {
			out = append(out, l)
		}
	}
	return out
}
