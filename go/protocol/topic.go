package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// TopicPattern is a subscribe pattern with exactly one single-level wildcard,
// which binds the device hardware id: `DEVICE/+/data`. Build substitutes a
// hardware id for the wildcard; Match extracts it from a concrete topic.
type TopicPattern struct {
	segments []string
	wild     int
}

// ParseTopicPattern validates and parses a pattern.
func ParseTopicPattern(s string) (TopicPattern, error) {
	var segments = strings.Split(s, "/")
	var wild = -1

	for i, seg := range segments {
		switch {
		case seg == "+":
			if wild != -1 {
				return TopicPattern{}, fmt.Errorf("topic pattern %q has multiple wildcards", s)
			}
			wild = i
		case seg == "":
			return TopicPattern{}, fmt.Errorf("topic pattern %q has an empty segment", s)
		case strings.ContainsAny(seg, "+#"):
			return TopicPattern{}, fmt.Errorf("topic pattern %q mixes wildcard and literal in segment %q", s, seg)
		}
	}
	if wild == -1 {
		return TopicPattern{}, fmt.Errorf("topic pattern %q has no + wildcard", s)
	}
	return TopicPattern{segments: segments, wild: wild}, nil
}

// MustTopicPattern parses a pattern and panics on error. For tests and
// package defaults.
func MustTopicPattern(s string) TopicPattern {
	var p, err = ParseTopicPattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String re-renders the pattern.
func (p TopicPattern) String() string { return strings.Join(p.segments, "/") }

// Build returns the concrete topic for a hardware id.
func (p TopicPattern) Build(hwID string) string {
	var segments = append([]string(nil), p.segments...)
	segments[p.wild] = hwID
	return strings.Join(segments, "/")
}

// Match reports whether a concrete topic matches the pattern, and if so
// returns the hardware-id segment. The segment's format is not validated
// here; see IsHardwareID.
func (p TopicPattern) Match(topic string) (hwID string, ok bool) {
	var segments = strings.Split(topic, "/")
	if len(segments) != len(p.segments) {
		return "", false
	}
	for i, seg := range segments {
		if i == p.wild {
			hwID = seg
		} else if seg != p.segments[i] {
			return "", false
		}
	}
	return hwID, hwID != ""
}

// hwIDRe is the device hardware id format: a MAC address as twelve
// upper-case hex digits, no separators.
var hwIDRe = regexp.MustCompile(`^[0-9A-F]{12}$`)

// IsHardwareID reports whether s is a well-formed device hardware id.
func IsHardwareID(s string) bool { return hwIDRe.MatchString(s) }
