package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishTimeout = 5 * time.Second
	heartbeat      = 10 * time.Second

	// redialInterval is the minimum gap between dial attempts while the
	// broker is unreachable. Events published in between are logged and
	// dropped.
	redialInterval = 5 * time.Second
)

var (
	errPublisherClosed = errors.New("amqp publisher closed")
	errRedialWait      = errors.New("amqp link down, waiting to redial")
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// link is one broker connection and the channel opened on it. done fires
// when the broker or the library closes the channel.
type link struct {
	ch   channel
	conn io.Closer
	done <-chan *amqp.Error
}

func (l *link) alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *link) close() error {
	err := l.ch.Close()
	if l.conn != nil {
		if cerr := l.conn.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

// AMQP publishes events as JSON to a topic exchange. The routing key is
// the event type. A dropped connection is redialed on the next publish.
type AMQP struct {
	mu       sync.Mutex
	link     *link
	dial     func() (*link, error)
	lastDial time.Time
	now      func() time.Time
	closed   bool
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to the broker and declares a durable topic exchange.
// The first dial must succeed.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	a := newAMQP(exchange, logger, func() (*link, error) {
		return dialLink(url, exchange)
	})

	l, err := a.dial()
	if err != nil {
		return nil, err
	}

	a.link = l
	a.lastDial = a.now()

	return a, nil
}

func newAMQP(exchange string, logger *slog.Logger, dial func() (*link, error)) *AMQP {
	return &AMQP{dial: dial, now: time.Now, exchange: exchange, logger: logger}
}

func dialLink(url, exchange string) (*link, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial:      amqp.DefaultDial(publishTimeout),
		Heartbeat: heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	// The channel closes with its connection, so one notification covers both.
	done := ch.NotifyClose(make(chan *amqp.Error, 1))

	return &link{ch: ch, conn: conn, done: done}, nil
}

func (a *AMQP) Publish(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		a.logger.Error("encoding audit event", slog.String("type", e.Type), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	}

	a.mu.Lock()
	err = a.publish(ctx, e.Type, msg)
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("publishing audit event",
			slog.String("type", e.Type),
			slog.String("exchange", a.exchange),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends msg, retrying once on a fresh link when the channel
// turns out to be closed. Callers hold a.mu.
func (a *AMQP) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	for attempt := 0; ; attempt++ {
		ch, err := a.channel()
		if err != nil {
			return err
		}

		err = ch.PublishWithContext(ctx, a.exchange, key, false, false, msg)
		if attempt == 0 && errors.Is(err, amqp.ErrClosed) {
			a.drop()
			continue
		}

		return err
	}
}

// channel returns a live channel, redialing at most once per
// redialInterval. Callers hold a.mu.
func (a *AMQP) channel() (channel, error) {
	if a.closed {
		return nil, errPublisherClosed
	}

	if a.link != nil && a.link.alive() {
		return a.link.ch, nil
	}

	a.drop()

	now := a.now()
	if now.Sub(a.lastDial) < redialInterval {
		return nil, errRedialWait
	}

	a.lastDial = now

	l, err := a.dial()
	if err != nil {
		return nil, err
	}

	a.link = l
	a.logger.Info("amqp link established", slog.String("exchange", a.exchange))

	return l.ch, nil
}

func (a *AMQP) drop() {
	if a.link == nil {
		return
	}

	if err := a.link.close(); err != nil {
		a.logger.Debug("closing dead amqp link", slog.String("error", err.Error()))
	}

	a.link = nil
}

// Close closes the channel and the connection. Later publishes are
// logged and dropped.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true

	if a.link == nil {
		return nil
	}

	err := a.link.close()
	a.link = nil

	if err != nil {
		return fmt.Errorf("closing amqp link: %w", err)
	}

	return nil
}
