package model

import "strings"

// Locale match levels. A better match has a higher value.
const (
	LocaleNoMatch                  = 0
	LocaleLanguageMatchCountryDiff = 3
	LocaleCountryMatchVariantDiff  = 6
	LocaleAnyMatch                 = 10
	LocaleLanguageMatch            = 15
	LocaleLanguageAndCountryMatch  = 20
	LocaleFullMatch                = 30
)

// LocaleMatchLevel rates how well tested satisfies reference. Locales are "ll[_CC[_variant]]".
// tested must agree with every part reference specifies; extra parts in tested lower the level.
// An empty reference accepts anything.
func LocaleMatchLevel(reference, tested string) int {
	if reference == "" {
		if tested == "" {
			return LocaleFullMatch
		}
		return LocaleAnyMatch
	}
	ref := strings.SplitN(reference, "_", 3)
	got := strings.SplitN(tested, "_", 3)
	if ref[0] != got[0] {
		return LocaleNoMatch
	}
	switch len(ref) {
	case 1:
		if len(got) == 1 {
			return LocaleFullMatch
		}
		return LocaleLanguageMatch
	case 2:
		if len(got) == 1 || ref[1] != got[1] {
			return LocaleLanguageMatchCountryDiff
		}
		if len(got) == 3 {
			return LocaleLanguageAndCountryMatch
		}
		return LocaleFullMatch
	default:
		if len(got) == 1 || ref[1] != got[1] {
			return LocaleLanguageMatchCountryDiff
		}
		if len(got) == 2 || ref[2] != got[2] {
			return LocaleCountryMatchVariantDiff
		}
		return LocaleFullMatch
	}
}

// IsLocaleMatch reports whether level counts as a match.
func IsLocaleMatch(level int) bool { return level >= LocaleAnyMatch }
