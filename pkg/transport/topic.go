package transport

import (
	"fmt"
	"strings"
)

const (
	// SingleLevel matches exactly one topic level.
	SingleLevel = "+"
	// MultiLevel matches any number of trailing levels, including none.
	MultiLevel = "#"
)

// Match reports whether topic matches filter.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == MultiLevel {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != SingleLevel && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// ValidateTopic checks a topic to publish on: non-empty, no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return fmt.Errorf("topic %q contains a wildcard", topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. Wildcards must fill a whole
// level and MultiLevel may only be last.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == MultiLevel && i != len(levels)-1:
			return fmt.Errorf("filter %q: %s must be the last level", filter, MultiLevel)
		case l != SingleLevel && l != MultiLevel && strings.ContainsAny(l, SingleLevel+MultiLevel):
			return fmt.Errorf("filter %q: wildcard must fill a whole level", filter)
		}
	}
	return nil
}
