package settings

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Separator joins path segments.
	Separator = "/"
	// MaxDepth is the maximum number of segments in a path, array index included.
	MaxDepth = 8
	// MaxSegmentLen is the maximum length of a single segment.
	MaxSegmentLen = 32
)

// Split breaks a path into segments. It rejects empty paths, leading or
// trailing separators, empty segments, segments outside [a-z0-9_] and paths
// deeper than MaxDepth.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segments := strings.Split(path, Separator)
	if len(segments) > MaxDepth {
		return nil, fmt.Errorf("path %q deeper than %d", path, MaxDepth)
	}
	for _, s := range segments {
		if err := checkSegment(s); err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
	}
	return segments, nil
}

// Join joins segments with the separator.
func Join(segments ...string) string {
	return strings.Join(segments, Separator)
}

func checkSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty segment")
	}
	if len(s) > MaxSegmentLen {
		return fmt.Errorf("segment %q longer than %d", s, MaxSegmentLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return fmt.Errorf("segment %q has invalid character %q", s, c)
		}
	}
	return nil
}

// parseIndex parses a non-negative decimal array index without sign or
// leading zeros.
func parseIndex(s string) (int, bool) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
