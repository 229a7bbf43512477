package bus

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/model"
)

const jsonContentType = "application/json"

// parseEnvelope extracts the message headers and delivery properties this
// adapter needs from a raw AMQP delivery. Header names are lowercase-hyphen
// on the wire but matched case-insensitively, since not every producer
// normalizes case before publishing.
func parseEnvelope(d amqp.Delivery) (model.Envelope, error) {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[strings.ToLower(k)] = v
	}

	headerStr := func(key string) string {
		v, ok := headers[key]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	msgType := headerStr("x-type")
	if msgType == "" {
		return model.Envelope{}, apierr.New(apierr.ValidationError, "missing required header x-type")
	}

	return model.Envelope{
		Headers: model.Headers{
			Type:        model.MessageType(msgType),
			User:        headerStr("x-user"),
			Source:      headerStr("x-source"),
			Application: headerStr("x-application"),
		},
		ContentType:   d.ContentType,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		UserID:        d.UserId,
	}, nil
}

// checkContentType rejects any body that isn't JSON.
func checkContentType(env model.Envelope) error {
	if env.ContentType != jsonContentType {
		return apierr.New(apierr.ValidationError, "content-type %q is not %q", env.ContentType, jsonContentType)
	}
	return nil
}

// identity returns the caller identity the pipelines authorize against.
// The envelope's delivery UserID is authoritative end-to-end, standardizing
// create and operate on the same field (DESIGN.md Open Question 3) —
// x-user is still parsed and logged, but never used for authorization.
func identity(env model.Envelope) string {
	return env.UserID
}
