package collector

import "strconv"

// Resolve walks a decoded JSON document one path segment at a time and
// returns the value found there. The second return is false when any
// intermediate node is missing, is not a container, or a sequence index is
// out of range. Redfish responses vary across vendors and firmware
// versions, so an absent optional field must never abort traversal of the
// rest of the document.
func Resolve(document any, path []string) (any, bool) {
	node := document
	for _, segment := range path {
		switch container := node.(type) {
		case map[string]any:
			child, ok := container[segment]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, false
			}
			node = container[idx]
		default:
			return nil, false
		}
	}
	return node, true
}
