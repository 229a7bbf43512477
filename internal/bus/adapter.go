// Package bus is the AMQP-facing edge of the system: it parses envelopes,
// dispatches to the Instance Service, replies, publishes downstream
// events, and reconnects with a bounded exponential backoff when the
// transport fails.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"runtime"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/model"
)

// Handlers is the subset of instance.Service the adapter dispatches to.
// instance.Service satisfies this interface directly.
type Handlers interface {
	Create(ctx context.Context, msg model.CreateMessage, user string) (model.Environment, error)
	Operate(ctx context.Context, msg model.OperationMessage, user string) (model.StatusRecord, error)
}

// Config configures the AMQP transport binding.
type Config struct {
	URL              string
	Exchange         string
	Queue            string
	RoutingKey       string
	CreateRoutingKey string
	// Workers is the number of goroutines draining the shared delivery
	// channel. Defaults to runtime.GOMAXPROCS(0) when zero.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "lx"
	}
	if c.Queue == "" {
		c.Queue = "lx.api-queue"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "lx.api"
	}
	if c.CreateRoutingKey == "" {
		c.CreateRoutingKey = "lx.simple"
	}
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Adapter is the AMQP bus adapter.
type Adapter struct {
	cfg      Config
	handlers Handlers

	conn *amqp.Connection
	ch   *amqp.Channel
}

// New builds an Adapter. Call Run to connect and start serving.
func New(cfg Config, handlers Handlers) *Adapter {
	return &Adapter{cfg: cfg.withDefaults(), handlers: handlers}
}

// Run connects, declares topology, and serves deliveries until ctx is
// cancelled. On a fatal transport error it reconnects after a bounded
// exponential backoff (initial 1s, cap 30s, reset after 60s of stable
// uptime) and resumes — no delivery from before a reconnect is acknowledged
// after it.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		connectedAt := time.Now()
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// runOnce only returns nil when ctx was cancelled, handled above.
			return nil
		}

		log.Error().Err(err).Dur("retry_in", backoff).Msg("bus: connection lost, reconnecting")

		if time.Since(connectedAt) > 60*time.Second {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter(backoff)):
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(d) / 4))
}

// runOnce connects once, serves until the channel/connection closes or ctx
// is cancelled, and returns the error that ended the session (nil only on
// clean ctx cancellation).
func (a *Adapter) runOnce(ctx context.Context) error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, a.cfg.RoutingKey, a.cfg.Exchange, false, nil); err != nil {
		return err
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	a.conn = conn
	a.ch = ch

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runWorkers(workerCtx, deliveries)
	}()

	select {
	case <-ctx.Done():
		return nil
	case amqpErr := <-closed:
		<-done
		if amqpErr != nil {
			return amqpErr
		}
		return errors.New("bus: connection closed")
	case <-done:
		return errors.New("bus: delivery channel closed unexpectedly")
	}
}

func (a *Adapter) runWorkers(ctx context.Context, deliveries <-chan amqp.Delivery) {
	workers := a.cfg.Workers
	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					a.handle(ctx, d)
				}
			}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

// handle parses, validates, and dispatches a single delivery, always
// acking it afterward so redelivery never happens on our own errors.
func (a *Adapter) handle(ctx context.Context, d amqp.Delivery) {
	logCtx := log.With().Str("delivery_tag", itoa(d.DeliveryTag)).Logger()

	env, err := parseEnvelope(d)
	if err != nil {
		logCtx.Warn().Err(err).Msg("bus: malformed headers")
		a.reply(d, errorBodyFor(err))
		_ = d.Ack(false)
		return
	}

	logCtx = logCtx.With().Str("correlation_id", env.CorrelationID).Str("x_type", string(env.Headers.Type)).Logger()

	if err := checkContentType(env); err != nil {
		logCtx.Warn().Err(err).Msg("bus: invalid content-type")
		a.reply(d, errorBodyFor(err))
		_ = d.Ack(false)
		return
	}

	user := identity(env)

	switch env.Headers.Type {
	case model.TypeCreate:
		a.handleCreate(ctx, d, user)
	case model.TypeOperation:
		a.handleOperation(ctx, d, user)
	default:
		err := apierr.New(apierr.ValidationError, "unsupported message type %q", env.Headers.Type)
		logCtx.Warn().Msg("bus: unsupported message type")
		a.reply(d, errorBodyFor(err))
	}

	_ = d.Ack(false)
}

func (a *Adapter) handleCreate(ctx context.Context, d amqp.Delivery, user string) {
	var msg model.CreateMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		a.reply(d, errorBodyFor(apierr.Wrap(apierr.ValidationError, err, "decode create message")))
		return
	}

	result, err := a.handlers.Create(ctx, msg, user)
	if err != nil {
		log.Warn().Err(err).Msg("bus: create failed")
		a.reply(d, errorBodyFor(err))
		return
	}

	body, err := json.Marshal(model.CreateMessage{Environment: result})
	if err != nil {
		a.reply(d, errorBodyFor(apierr.Wrap(apierr.InternalError, err, "encode create response")))
		return
	}

	a.replyRaw(d, body)
	a.publishInstanceCreation(ctx, body)
}

func (a *Adapter) handleOperation(ctx context.Context, d amqp.Delivery, user string) {
	var msg model.OperationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		a.reply(d, errorBodyFor(apierr.Wrap(apierr.ValidationError, err, "decode operation message")))
		return
	}

	record, err := a.handlers.Operate(ctx, msg, user)
	if err != nil {
		log.Warn().Err(err).Msg("bus: operation failed")
		a.reply(d, errorBodyFor(err))
		return
	}

	body, err := json.Marshal(record)
	if err != nil {
		a.reply(d, errorBodyFor(apierr.Wrap(apierr.InternalError, err, "encode operation response")))
		return
	}
	a.replyRaw(d, body)
}

// reply marshals v and sends it as a `response` or `error` body back to the
// delivery's ReplyTo queue via the default exchange, matching standard AMQP
// RPC.
func (a *Adapter) reply(d amqp.Delivery, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("bus: failed to encode reply body")
		return
	}
	a.replyRaw(d, body)
}

func (a *Adapter) replyRaw(d amqp.Delivery, body []byte) {
	if d.ReplyTo == "" {
		return
	}
	err := a.ch.PublishWithContext(context.Background(), "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   jsonContentType,
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		log.Error().Err(err).Str("reply_to", d.ReplyTo).Msg("bus: failed to publish reply")
	}
}

// publishInstanceCreation publishes the enriched environment on the
// instance-creation routing key.
func (a *Adapter) publishInstanceCreation(ctx context.Context, body []byte) {
	headers := amqp.Table{"x-type": string(model.TypeInstanceCreation)}
	err := a.ch.PublishWithContext(ctx, a.cfg.Exchange, a.cfg.CreateRoutingKey, false, false, amqp.Publishing{
		ContentType: jsonContentType,
		Headers:     headers,
		Body:        body,
	})
	if err != nil {
		log.Error().Err(err).Msg("bus: failed to publish instance-creation event")
	}
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
