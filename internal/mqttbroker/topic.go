package mqttbroker

import "strings"

// validFilter reports whether filter is a well-formed subscription filter: '+' must fill
// a whole level and '#' must fill the last one.
func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// validTopicName reports whether topic may be published to.
func validTopicName(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}

// matchTopic reports whether topic matches filter. Topics starting with '$' are not
// matched by filters starting with a wildcard.
func matchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
