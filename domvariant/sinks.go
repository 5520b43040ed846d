package domvariant

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/sink"
	"github.com/hazyhaar/abdom/domvariant/internal/store"
	"github.com/hazyhaar/abdom/horosafe"
)

// Sink is the output interface for plugin events.
type Sink = sink.Sink

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process callback sink.
func NewCallbackSink(fn func(ctx context.Context, ev event.Event) error) Sink {
	return sink.NewCallback(fn)
}

// OpenSinks builds the sinks listed in cfg. sqlite sinks share one store
// opened at cfg.Store.Path, closed by the first of them. Webhooks aimed at
// private addresses are refused unless the sink allows them.
func OpenSinks(cfg *Config, session string, logger *slog.Logger) ([]Sink, error) {
	var (
		out []Sink
		st  *store.Store
	)
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			out = append(out, sink.NewStdout(nil))
		case "webhook":
			if !sc.AllowPrivate {
				if err := horosafe.ValidateURL(sc.URL); err != nil {
					closeAll(out)
					return nil, fmt.Errorf("domvariant: webhook sink: %w", err)
				}
			}
			opts := []sink.WebhookOption{
				sink.WithWebhookLogger(logger),
				sink.WithWebhookRetries(sc.Retries),
			}
			for k, v := range sc.Headers {
				opts = append(opts, sink.WithWebhookHeader(k, v))
			}
			out = append(out, sink.NewWebhook(sc.URL, opts...))
		case "sqlite":
			if st != nil {
				out = append(out, sink.NewSQLite(st, session))
				continue
			}
			s, err := sink.OpenSQLite(cfg.Store.Path, session)
			if err != nil {
				closeAll(out)
				return nil, fmt.Errorf("domvariant: open store: %w", err)
			}
			st = s.Store()
			out = append(out, s)
		default:
			closeAll(out)
			return nil, fmt.Errorf("domvariant: unknown sink type %q", sc.Type)
		}
	}
	return out, nil
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		s.Close()
	}
}
