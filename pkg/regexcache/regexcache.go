// Package regexcache provides a thread-safe cache for compiled regular
// expressions. Rule matchers and report templates are evaluated once per
// replayed variant, so the same patterns compile over and over without it.
//
// Usage:
//
//	re, err := regexcache.Get("pattern")
//	if err != nil {
//	    // handle error
//	}
//	loc := re.FindStringIndex(body)
package regexcache

import (
	"regexp"
	"sync"
)

// cache holds compiled expressions keyed by pattern string. sync.Map
// keeps reads lock-free on the hot path.
var cache sync.Map

// Get returns a compiled regexp for the given pattern, compiling and
// caching it on first use. Invalid patterns return an error.
func Get(pattern string) (*regexp.Regexp, error) {
	if cached, ok := cache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	// LoadOrStore handles concurrent first compilations.
	actual, _ := cache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// GetInsensitive returns a compiled regexp with case-insensitive matching
// enabled. Matching in rule criteria is case-insensitive by convention.
func GetInsensitive(pattern string) (*regexp.Regexp, error) {
	return Get("(?i)" + pattern)
}

// MustGet returns a compiled regexp or panics on an invalid pattern.
// Only for patterns known valid at compile time.
func MustGet(pattern string) *regexp.Regexp {
	re, err := Get(pattern)
	if err != nil {
		panic(err)
	}
	return re
}

// Clear removes all cached expressions. Primarily useful for tests.
func Clear() {
	cache.Range(func(key, _ any) bool {
		cache.Delete(key)
		return true
	})
}

// Size returns the number of cached expressions.
func Size() int {
	count := 0
	cache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
