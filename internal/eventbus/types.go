package eventbus

// Event is one message on the bus. Events sharing a Key are delivered in
// publish order by the same partition.
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler consumes events of one topic.
type Handler func(event *Event) error

// partition is one ordered queue with its consumer goroutine.
type partition struct {
	id    int
	name  string
	queue chan *Event
}
