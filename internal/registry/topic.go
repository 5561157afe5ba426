package registry

import "strings"

const (
	multiLevelWildcard  = "#"
	singleLevelWildcard = "+"
	topicSeparator      = "/"

	// SysTopicPrefix marks broker-reserved topics.
	SysTopicPrefix = "$SYS"
)

// TopicMatches reports whether topic matches filter. "#" matches zero or more
// trailing levels, "+" matches exactly one level, and matching is anchored.
// A filter without wildcards only matches the identical topic.
func TopicMatches(topic, filter string) bool {
	if topic == filter {
		return true
	}
	if filter == "" {
		return false
	}

	topicLevels := strings.Split(topic, topicSeparator)
	filterLevels := strings.Split(filter, topicSeparator)

	for i, level := range filterLevels {
		if level == multiLevelWildcard {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level == singleLevelWildcard {
			continue
		}
		if level != topicLevels[i] {
			return false
		}
	}
	return len(topicLevels) == len(filterLevels)
}

// ValidFilter reports whether filter is a well-formed subscription filter:
// wildcards must occupy a whole level and "#" may only be the last level.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, topicSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevelWildcard:
			if i != len(levels)-1 {
				return false
			}
		case level == singleLevelWildcard:
		case strings.ContainsAny(level, multiLevelWildcard+singleLevelWildcard):
			return false
		}
	}
	return true
}

// ValidTopic reports whether topic can be published to.
func ValidTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, multiLevelWildcard+singleLevelWildcard)
}

// HasWildcard reports whether filter contains a multi-level wildcard.
func HasWildcard(filter string) bool {
	return strings.Contains(filter, multiLevelWildcard)
}
