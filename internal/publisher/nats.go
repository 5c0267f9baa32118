package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// IngestSubject carries canonical updates submitted over request/reply.
	IngestSubject = "gps.ingest"
	// IngestQueue load-balances ingest subscribers across server replicas.
	IngestQueue = "ingest-server"
)

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, name string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Connected reports the connection status for health checks.
func (p *NATSPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// PositionMessage is the live fan-out of an accepted location row.
type PositionMessage struct {
	BusID      string    `json:"busId"`
	TripID     *string   `json:"tripId,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKmh   *float64  `json:"speed,omitempty"`
	Heading    *int      `json:"heading,omitempty"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recordedAt"`
}

// PositionSubject is where accepted fixes for busID are published.
func PositionSubject(busID string) string {
	return fmt.Sprintf("buses.%s.location", subjectToken(busID))
}

// TripStateSubject carries trip start/end events for busID.
func TripStateSubject(busID string) string {
	return fmt.Sprintf("buses.%s.trip", subjectToken(busID))
}

func (p *NATSPublisher) PublishPosition(msg PositionMessage) error {
	subject := PositionSubject(msg.BusID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// Request sends payload on subject and waits for a single reply.
func (p *NATSPublisher) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	if p.logSubjects {
		log.Printf("nats request subject=%s", subject)
	}
	msg, err := p.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// HandleRequests answers requests on subject within a queue group. The
// returned function unsubscribes.
func (p *NATSPublisher) HandleRequests(subject, queue string, handle func(ctx context.Context, data []byte) []byte) (func() error, error) {
	sub, err := p.nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reply := handle(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			log.Printf("nats respond subject=%s: %v", subject, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// TripState is published by dispatch when a driver's trip starts or ends.
type TripState struct {
	Active bool   `json:"active"`
	TripID string `json:"tripId,omitempty"`
}

// SubscribeTripState delivers trip state events for busID to fn. Messages
// that do not decode are logged and skipped.
func (p *NATSPublisher) SubscribeTripState(busID string, fn func(TripState)) (func() error, error) {
	subject := TripStateSubject(busID)
	sub, err := p.nc.Subscribe(subject, func(m *nats.Msg) {
		var st TripState
		if err := json.Unmarshal(m.Data, &st); err != nil {
			log.Printf("nats trip state subject=%s: %v", subject, err)
			return
		}
		fn(st)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
