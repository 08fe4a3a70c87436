package message

// Typed is implemented by commands that name their own envelope type.
type Typed interface {
	CommandType() string
}

// Keyed is implemented by commands that must be linearized with other
// commands sharing the same key.
type Keyed interface {
	PartitionKey() string
}

// KeyOf returns the partition key of cmd, or "" when cmd is not Keyed.
func KeyOf(cmd any) string {
	if keyed, ok := cmd.(Keyed); ok {
		return keyed.PartitionKey()
	}
	return ""
}
