package plshare

// Serializer converts application values to and from opaque byte payloads.
// The core transports bytes only; a Serializer is plugged into a channel to
// enable the typed Write/Read convenience methods. Implementations must
// satisfy the round-trip law Unmarshal(Marshal(v)) == v and must not
// perform polymorphic type resolution driven by the payload.
type Serializer interface {
	// Marshal renders v as a byte payload
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal parses a byte payload into v
	Unmarshal(data []byte, v interface{}) error
}
