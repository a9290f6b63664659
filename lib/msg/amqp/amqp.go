// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/msg"
)

// Exchanges and queues.
const (
	ReqExchange   = "jr" // job requests
	EventExchange = "te" // tracer events
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	l    sync.Mutex // guards ch while publishing
	log  *zap.Logger
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}

	log.Info("connected to amqp broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - jr ("job requests"): the api service publishes requests to this exchange
//
// - te ("tracer events"): the tracer service publishes job events to this exchange
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	// declare exchanges
	if err = channel.ExchangeDeclare(ReqExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(EventExchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.l.Lock()
	defer r.l.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp channel", zap.Error(err))
		}

		r.ch = nil
	}

	return r.conn.Close()
}

func (r *Amqp) publish(exchange, key, header string, v interface{}) error {
	// marshal to JSON
	jsonDoc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.l.Lock()
	defer r.l.Unlock()
	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}
	// build body
	m := amqp.Publishing{
		Headers:     amqp.Table{header: key},
		Body:        jsonDoc,
		ContentType: "application/json",
	}
	// publish
	if err = r.ch.Publish(exchange, key, false, false, m); err != nil {
		return fmt.Errorf("publish %s to %s: %w", key, exchange, err)
	}

	return nil
}

// SendEvents publishes job events to the "te" exchange
func (r *Amqp) SendEvents(evs []msg.JobEvent) error {
	for _, e := range evs {
		if err := r.publish(EventExchange, "job."+string(e.Status)+"."+e.JobID, "x-job-event", e); err != nil {
			return err
		}
	}

	return nil
}

// SendRequest publishes a new job request to the "jr" exchange
func (r *Amqp) SendRequest(jr msg.JobReq) error {
	return r.publish(ReqExchange, "job."+strconv.Itoa(jr.Act)+"."+jr.JobID, "x-job-req", jr)
}

// consume declares the queue bound to exchange and returns its deliveries on a dedicated channel.
func (r *Amqp) consume(exchange, consumer string) (<-chan amqp.Delivery, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	// declare queue
	if _, err = ch.QueueDeclare(exchange, true, false, false, false, nil); err != nil {
		return nil, err
	}
	// bind queue to exchange
	if err = ch.QueueBind(exchange, "job.*.*", exchange, false, nil); err != nil {
		return nil, err
	}

	return ch.Consume(exchange, consumer, false, false, false, false, nil)
}

// GetEvents consumes events from the "te" exchange pushing them to the returned channel. The Mutex pointer is provided
// to ensure the consumed message has been fully dealt with by the management function, so the message consumed is
// only acknowledged when the mutex is unlocked.
func (r *Amqp) GetEvents(mut *sync.Mutex) (<-chan msg.JobEvent, <-chan error, error) {
	msgs, err := r.consume(EventExchange, "api")
	if err != nil {
		return nil, nil, err
	}
	// define channels to return
	eves := make(chan msg.JobEvent)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		defer close(eves)

		for m := range msgs {
			var ev msg.JobEvent
			if err := json.Unmarshal(m.Body, &ev); err != nil {
				m.Nack(false, false) //nolint:errcheck // dropped on purpose
				errs <- err

				continue
			}

			eves <- ev
			mut.Lock() // wait for the api to finish processing the event
			m.Ack(false) //nolint:errcheck // redelivered on failure
		}
	}()

	return eves, errs, nil
}

// GetReqs consumes requests from the "jr" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetReqs(mut *sync.Mutex) (<-chan msg.JobReq, <-chan error, error) {
	msgs, err := r.consume(ReqExchange, "tracer")
	if err != nil {
		return nil, nil, err
	}
	// define channels to return
	reqs := make(chan msg.JobReq)
	errs := make(chan error)
	// start routine to consume messages from broker
	go func() {
		defer close(reqs)

		for m := range msgs {
			var req msg.JobReq
			if err := json.Unmarshal(m.Body, &req); err != nil {
				m.Nack(false, false) //nolint:errcheck // dropped on purpose
				errs <- err

				continue
			}

			reqs <- req
			mut.Lock() // wait for the tracer to finish processing the request
			m.Ack(false) //nolint:errcheck // redelivered on failure
		}
	}()

	return reqs, errs, nil
}
