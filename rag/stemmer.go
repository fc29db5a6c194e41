// File: stemmer.go
package rag

import (
	"strings"
	"sync"
)

// porterCache memoizes stems; the algorithm is deterministic and pure so a
// process-lifetime cache is safe (spec.md §4.7).
var porterCache sync.Map // map[string]string

// PorterStem implements the classical Porter stemming algorithm (5 steps),
// case-folding input and memoizing results. Strings shorter than 3
// characters pass through unchanged.
func PorterStem(word string) string {
	lower := strings.ToLower(word)
	if len(lower) < 3 {
		return lower
	}
	if cached, ok := porterCache.Load(lower); ok {
		return cached.(string)
	}

	w := []rune(lower)
	w = step1a(w)
	w = step1b(w)
	w = step1c(w)
	w = step2(w)
	w = step3(w)
	w = step4(w)
	w = step5a(w)
	w = step5b(w)

	result := string(w)
	porterCache.Store(lower, result)
	return result
}

func isVowel(w []rune, i int) bool {
	switch w[i] {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	case 'y':
		return i > 0 && !isVowel(w, i-1)
	default:
		return false
	}
}

// measure counts the number of VC sequences in the stem (the Porter "m").
func measure(w []rune) int {
	m := 0
	i := 0
	n := len(w)
	// skip leading consonants
	for i < n && !isVowel(w, i) {
		i++
	}
	for i < n {
		for i < n && isVowel(w, i) {
			i++
		}
		if i >= n {
			break
		}
		for i < n && !isVowel(w, i) {
			i++
		}
		m++
	}
	return m
}

func containsVowel(w []rune) bool {
	for i := range w {
		if isVowel(w, i) {
			return true
		}
	}
	return false
}

func endsWithDoubleConsonant(w []rune) bool {
	n := len(w)
	if n < 2 {
		return false
	}
	return w[n-1] == w[n-2] && !isVowel(w, n-1)
}

// endsCVC reports a consonant-vowel-consonant ending where the final
// consonant is not w, x, or y (the Porter "*o" condition).
func endsCVC(w []rune) bool {
	n := len(w)
	if n < 3 {
		return false
	}
	if isVowel(w, n-3) || !isVowel(w, n-2) || isVowel(w, n-1) {
		return false
	}
	switch w[n-1] {
	case 'w', 'x', 'y':
		return false
	}
	return true
}

func hasSuffix(w []rune, suf string) bool {
	return len(w) >= len(suf) && string(w[len(w)-len(suf):]) == suf
}

func trimSuffix(w []rune, n int) []rune {
	return w[:len(w)-n]
}

func replaceSuffix(w []rune, suf, repl string) []rune {
	stem := trimSuffix(w, len(suf))
	return append(stem, []rune(repl)...)
}

// step1a handles plurals.
func step1a(w []rune) []rune {
	switch {
	case hasSuffix(w, "sses"):
		return replaceSuffix(w, "sses", "ss")
	case hasSuffix(w, "ies"):
		return replaceSuffix(w, "ies", "i")
	case hasSuffix(w, "ss"):
		return w
	case hasSuffix(w, "s"):
		return trimSuffix(w, 1)
	}
	return w
}

// step1b handles -ed/-ing with vowel-in-stem checks.
func step1b(w []rune) []rune {
	stem := trimSuffix(w, 3)
	if hasSuffix(w, "eed") {
		if measure(stem) > 0 {
			return replaceSuffix(w, "eed", "ee")
		}
		return w
	}

	var trimmed []rune
	matched := false
	if hasSuffix(w, "ed") {
		trimmed = trimSuffix(w, 2)
		matched = containsVowel(trimmed)
	} else if hasSuffix(w, "ing") {
		trimmed = trimSuffix(w, 3)
		matched = containsVowel(trimmed)
	} else {
		return w
	}
	if !matched {
		return w
	}

	switch {
	case hasSuffix(trimmed, "at"), hasSuffix(trimmed, "bl"), hasSuffix(trimmed, "iz"):
		return append(trimmed, 'e')
	case endsWithDoubleConsonant(trimmed) && trimmed[len(trimmed)-1] != 'l' && trimmed[len(trimmed)-1] != 's' && trimmed[len(trimmed)-1] != 'z':
		return trimSuffix(trimmed, 1)
	case measure(trimmed) == 1 && endsCVC(trimmed):
		return append(trimmed, 'e')
	}
	return trimmed
}

func step1c(w []rune) []rune {
	if hasSuffix(w, "y") && containsVowel(trimSuffix(w, 1)) {
		return replaceSuffix(w, "y", "i")
	}
	return w
}

var step2Suffixes = []struct{ suf, repl string }{
	{"ational", "ate"}, {"tional", "tion"}, {"enci", "ence"}, {"anci", "ance"},
	{"izer", "ize"}, {"abli", "able"}, {"alli", "al"}, {"entli", "ent"},
	{"eli", "e"}, {"ousli", "ous"}, {"ization", "ize"}, {"ation", "ate"},
	{"ator", "ate"}, {"alism", "al"}, {"iveness", "ive"}, {"fulness", "ful"},
	{"ousness", "ous"}, {"aliti", "al"}, {"iviti", "ive"}, {"biliti", "ble"},
}

func step2(w []rune) []rune {
	for _, s := range step2Suffixes {
		if hasSuffix(w, s.suf) {
			stem := trimSuffix(w, len(s.suf))
			if measure(stem) > 0 {
				return append(stem, []rune(s.repl)...)
			}
			return w
		}
	}
	return w
}

var step3Suffixes = []struct{ suf, repl string }{
	{"icate", "ic"}, {"ative", ""}, {"alize", "al"}, {"iciti", "ic"},
	{"ical", "ic"}, {"ful", ""}, {"ness", ""},
}

func step3(w []rune) []rune {
	for _, s := range step3Suffixes {
		if hasSuffix(w, s.suf) {
			stem := trimSuffix(w, len(s.suf))
			if measure(stem) > 0 {
				return append(stem, []rune(s.repl)...)
			}
			return w
		}
	}
	return w
}

var step4Suffixes = []string{
	"al", "ance", "ence", "er", "ic", "able", "ible", "ant", "ement",
	"ment", "ent", "ou", "ism", "ate", "iti", "ous", "ive", "ize",
}

func step4(w []rune) []rune {
	if hasSuffix(w, "ion") {
		stem := trimSuffix(w, 3)
		if measure(stem) > 1 && len(stem) > 0 && (stem[len(stem)-1] == 's' || stem[len(stem)-1] == 't') {
			return stem
		}
		return w
	}
	for _, suf := range step4Suffixes {
		if hasSuffix(w, suf) {
			stem := trimSuffix(w, len(suf))
			if measure(stem) > 1 {
				return stem
			}
			return w
		}
	}
	return w
}

func step5a(w []rune) []rune {
	if !hasSuffix(w, "e") {
		return w
	}
	stem := trimSuffix(w, 1)
	m := measure(stem)
	if m > 1 || (m == 1 && !endsCVC(stem)) {
		return stem
	}
	return w
}

func step5b(w []rune) []rune {
	if measure(w) > 1 && endsWithDoubleConsonant(w) && w[len(w)-1] == 'l' {
		return trimSuffix(w, 1)
	}
	return w
}
