package domain

// Event is a single record bound for the sink stream
type Event struct {
	RoutingKey     string
	Payload        []byte
	SequenceNumber int64
}
