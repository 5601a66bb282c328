package truncate

import "github.com/chaordic/cassandra/internal/messaging"

// Request asks an owner to truncate one column family.
type Request struct {
	Keyspace string
	Table    string
}

func (r *Request) Verb() messaging.Verb { return messaging.VerbTruncate }

// Response is a bare ack.
type Response struct{}

func (r *Response) Verb() messaging.Verb { return messaging.VerbTruncate }
