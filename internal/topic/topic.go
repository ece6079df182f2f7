// Package topic implements MQTT 3.1.1 topic name and topic filter
// validation and matching. Validation runs in the wire codec's PUBLISH,
// SUBSCRIBE and UNSUBSCRIBE decoders; Matches is used by the retained
// stores and the ACL checks. The Subscription Index does its own trie walk
// and does not call this package.
package topic

import (
	"strings"
	"unicode/utf8"

	"github.com/dynamq/dynamq/internal/errs"
)

// Levels splits a topic or filter into its '/'-separated levels.
func Levels(s string) []string {
	return strings.Split(s, "/")
}

// ValidateName validates a concrete publish topic: non-empty, no wildcards,
// valid UTF-8, no null or control characters. Empty levels (as in "a//b")
// are accepted.
func ValidateName(name string) error {
	if name == "" {
		return &errs.Err{Context: "topic.ValidateName", Message: errs.ErrEmptyTopic}
	}
	if !utf8.ValidString(name) {
		return &errs.Err{Context: "topic.ValidateName", Message: errs.ErrInvalidUTF8Topic}
	}
	if err := checkChars(name, "topic.ValidateName"); err != nil {
		return err
	}
	if containsWildcards(name) {
		return &errs.Err{Context: "topic.ValidateName", Message: errs.ErrWildcardsNotAllowedInPublish}
	}
	return nil
}

// ValidateFilter validates a subscription filter: valid UTF-8, no null or
// control characters, and correct '+'/'#' placement ('#' only as the last
// level, both wildcards occupying a whole level).
func ValidateFilter(filter string) error {
	if filter == "" {
		return &errs.Err{Context: "topic.ValidateFilter", Message: errs.ErrEmptyTopicFilter}
	}
	if !utf8.ValidString(filter) {
		return &errs.Err{Context: "topic.ValidateFilter", Message: errs.ErrInvalidUTF8TopicFilter}
	}
	if err := checkChars(filter, "topic.ValidateFilter"); err != nil {
		return err
	}

	levels := Levels(filter)
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return &errs.Err{Context: "topic.ValidateFilter", Message: errs.ErrMultiLevelWildcardNotLast}
			}
		case strings.Contains(level, "#"):
			return &errs.Err{Context: "topic.ValidateFilter", Message: errs.ErrMultiLevelWildcardNotAlone}
		case level == "+":
			// fine anywhere
		case strings.Contains(level, "+"):
			return &errs.Err{Context: "topic.ValidateFilter", Message: errs.ErrSingleLevelWildcardNotAlone}
		}
	}
	return nil
}

func checkChars(s, ctx string) error {
	for _, r := range s {
		if r == 0 {
			return &errs.Err{Context: ctx, Message: errs.ErrNullCharacterInTopic}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &errs.Err{Context: ctx, Message: errs.ErrControlCharacterInTopic}
		}
	}
	return nil
}

func containsWildcards(s string) bool {
	return strings.ContainsAny(s, "+#")
}

// Matches reports whether the concrete topic matches the filter under MQTT
// 3.1.1 rules: '+' matches exactly one level, '#' matches zero or more
// trailing levels and must be the filter's last level. A leading '$' level
// in topic only matches a filter whose first level is literal (never '+'
// or '#' at position 0), per the MQTT system-topic convention.
func Matches(filter, topicName string) bool {
	filterLevels := Levels(filter)
	topicLevels := Levels(topicName)

	if len(topicLevels) > 0 && strings.HasPrefix(topicLevels[0], "$") {
		if len(filterLevels) == 0 || (filterLevels[0] != topicLevels[0]) {
			return false
		}
	}

	return matchLevels(filterLevels, topicLevels)
}

func matchLevels(filter, topic []string) bool {
	for i := 0; i < len(filter); i++ {
		level := filter[i]

		if level == "#" {
			return true
		}

		if i >= len(topic) {
			return false
		}

		if level != "+" && level != topic[i] {
			return false
		}
	}

	return len(filter) == len(topic)
}
