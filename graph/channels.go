package graph

import "strings"

const (
	branchPrefix = "branch:to:"
	systemPrefix = "__"

	// ChannelInterrupt is the system channel carrying a pending
	// interrupt: a map with "node" and "prompt" keys.
	ChannelInterrupt = "__interrupt__"
)

// BranchTo returns the branch channel name that schedules a node.
func BranchTo(node string) string {
	return branchPrefix + node
}

// IsBranch reports whether a channel name is a branch channel.
func IsBranch(channel string) bool {
	return strings.HasPrefix(channel, branchPrefix)
}

// BranchTarget returns the node a branch channel schedules, or "" when
// the channel is not a branch channel.
func BranchTarget(channel string) string {
	if !IsBranch(channel) {
		return ""
	}
	return channel[len(branchPrefix):]
}

// IsSystem reports whether a channel name is a system channel
// ("__"-prefixed, e.g. ChannelInterrupt).
func IsSystem(channel string) bool {
	return strings.HasPrefix(channel, systemPrefix)
}

// FilterState returns a copy of values without branch and system
// channels: the user-visible workflow state.
func FilterState(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if IsBranch(k) || IsSystem(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Reducer merges a new write into a channel's existing value.
type Reducer func(existing, incoming interface{}) interface{}

// Overwrite is the default reducer: the write replaces the channel value.
func Overwrite(existing, incoming interface{}) interface{} {
	return incoming
}

// Append accumulates writes into a slice. Scalar writes are appended;
// slice writes are concatenated. A missing channel starts empty.
func Append(existing, incoming interface{}) interface{} {
	var acc []interface{}
	switch v := existing.(type) {
	case nil:
	case []interface{}:
		acc = append(acc, v...)
	default:
		acc = append(acc, v)
	}

	switch v := incoming.(type) {
	case []interface{}:
		acc = append(acc, v...)
	default:
		acc = append(acc, v)
	}

	return acc
}
