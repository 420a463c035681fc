package types

// Event is the flattened form of a protocol event handed to log sinks and
// indexers. Attribute values are already rendered as strings.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
