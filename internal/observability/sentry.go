package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

const redacted = "[redacted]"

var sensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
}

// scrubEvent drops bearer tokens and refresh cookies before an event leaves
// the process.
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	for name := range event.Request.Headers {
		for _, sensitive := range sensitiveHeaders {
			if http.CanonicalHeaderKey(name) == sensitive {
				event.Request.Headers[name] = redacted
			}
		}
	}
	if event.Request.Cookies != "" {
		event.Request.Cookies = redacted
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
