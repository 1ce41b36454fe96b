package mqtt

import "strings"

// Topic wildcards.
const (
	// SingleLevelWildcard matches exactly one topic segment.
	SingleLevelWildcard = "+"

	// MultiLevelWildcard matches zero or more trailing segments.
	MultiLevelWildcard = "#"

	topicSeparator = "/"
)

// HasWildcard reports whether pattern contains '+' or '#'.
func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "+#")
}

// Match reports whether topic is matched by pattern.
//
// A pattern without wildcards matches only the identical topic. Otherwise
// '+' matches exactly one segment and a trailing '#' matches zero or more
// remaining segments, so "acme/#" matches both "acme" and "acme/a/b".
//
// Example:
//
//	mqtt.Match("acme/+/line1/#", "acme/us_austin/line1/pTrace/data") // true
//	mqtt.Match("acme/+", "acme/us_austin/line1")                     // false
func Match(pattern, topic string) bool {
	if !HasWildcard(pattern) {
		return pattern == topic
	}
	if topic == "" {
		return false
	}

	patternLevels := strings.Split(pattern, topicSeparator)
	topicLevels := strings.Split(topic, topicSeparator)

	for i, level := range patternLevels {
		if level == MultiLevelWildcard {
			return i == len(patternLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(topicLevels)
}

// ValidFilter reports whether pattern is a well-formed subscription filter:
// non-empty, wildcards occupy whole segments, and '#' only appears last.
func ValidFilter(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, topicSeparator)
	for i, level := range levels {
		switch {
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return false
			}
		case level == SingleLevelWildcard:
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// SitePrefix returns the canonical topic prefix for a site: the customer,
// then country and city joined by an underscore, each trimmed and lower-cased.
//
// Example: SitePrefix("Acme", "US", "Austin") == "acme/us_austin"
func SitePrefix(customer, country, city string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return norm(customer) + topicSeparator + norm(country) + "_" + norm(city)
}

// SitePattern returns the subscription filter covering every topic under a site.
//
// Example: SitePattern("Acme", "US", "Austin") == "acme/us_austin/#"
func SitePattern(customer, country, city string) string {
	return SitePrefix(customer, country, city) + topicSeparator + MultiLevelWildcard
}
