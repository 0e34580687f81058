package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/logger"
)

const (
	webhookPollEvery   = 2 * time.Second
	webhookTimeout     = 5 * time.Second
	webhookPageSize    = 100
	webhookMaxAttempts = 3
	// webhookMaxRounds bounds how many polling rounds one event may keep
	// failing with transient errors before it is dropped.
	webhookMaxRounds = 5
)

// hookRejected marks a non-5xx answer; the event will never be accepted.
type hookRejected struct {
	status int
	body   string
}

func (e *hookRejected) Error() string {
	return fmt.Sprintf("hook answered %d: %s", e.status, e.body)
}

// subscriber is one configured hook and its delivery position in the event log.
type subscriber struct {
	url     string
	secret  string
	types   map[string]bool
	client  *http.Client
	cursor  int64
	started bool
	// failing counts consecutive failed rounds for the event after cursor.
	failing int
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

type webhookDispatcher struct {
	events engine.Engine
	log    *logger.Logger
	subs   []*subscriber
	every  time.Duration
}

// StartWebhooks relays new events of every project to the configured hooks
// until ctx is done. Each hook starts at the newest event present at startup.
func StartWebhooks(ctx context.Context, e engine.Engine, log *logger.Logger) {
	if d := newWebhookDispatcher(e, log); d != nil {
		go d.loop(ctx)
	}
}

func newWebhookDispatcher(e engine.Engine, log *logger.Logger) *webhookDispatcher {
	if e.Config == nil {
		return nil
	}
	var subs []*subscriber
	for _, hook := range e.Config.Webhooks {
		if s := newSubscriber(hook); s != nil {
			subs = append(subs, s)
		}
	}
	if len(subs) == 0 {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	return &webhookDispatcher{events: e, log: log.With("component", "webhooks"), subs: subs, every: webhookPollEvery}
}

func newSubscriber(hook config.WebhookConfig) *subscriber {
	if (hook.Enabled != nil && !*hook.Enabled) || strings.TrimSpace(hook.URL) == "" {
		return nil
	}
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	s := &subscriber{
		url:    hook.URL,
		secret: strings.TrimSpace(hook.Secret),
		types:  map[string]bool{},
		client: &http.Client{Timeout: timeout},
	}
	for _, t := range hook.Events {
		if t = strings.TrimSpace(t); t != "" {
			s.types[t] = true
		}
	}
	return s
}

func (d *webhookDispatcher) loop(ctx context.Context) {
	tick := time.NewTicker(d.every)
	defer tick.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// dispatchAll runs one delivery round. It is only called from a single
// goroutine, so subscriber state needs no locking.
func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, s := range d.subs {
		if ctx.Err() != nil {
			return
		}
		if !s.started {
			latest, err := d.events.Repo.LatestEventID(ctx, "")
			if err != nil {
				d.log.Warn("webhook cursor init failed", "url", s.url, "error", err)
				continue
			}
			s.cursor, s.started = latest, true
		}
		d.drain(ctx, s)
	}
}

// drain delivers pending events in order. A transient failure stops the
// round so the event is retried next time; an event the hook rejects, or one
// that failed webhookMaxRounds rounds in a row, is logged and skipped.
func (d *webhookDispatcher) drain(ctx context.Context, s *subscriber) {
	batch, err := d.events.Repo.EventsAfter(ctx, webhookPageSize, s.cursor, "")
	if err != nil {
		d.log.Warn("webhook event read failed", "error", err)
		return
	}
	for _, evt := range batch {
		if s.wants(evt.Type) {
			if err := d.deliver(ctx, s, evt); err != nil {
				var rejected *hookRejected
				s.failing++
				if !errors.As(err, &rejected) && s.failing < webhookMaxRounds {
					d.log.Warn("webhook delivery failed", "url", s.url, "event_id", evt.ID, "attempt", s.failing, "error", err)
					return
				}
				d.log.Error("webhook event dropped", "url", s.url, "event_id", evt.ID, "type", evt.Type, "error", err)
			} else {
				d.log.Debug("webhook delivered", "url", s.url, "event_id", evt.ID, "type", evt.Type)
			}
		}
		s.cursor, s.failing = evt.ID, 0
	}
}

type hookPayload struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TS         string          `json:"ts"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Data       json.RawMessage `json:"payload"`
}

func encodeHookPayload(evt domain.Event) ([]byte, error) {
	data := json.RawMessage(`{}`)
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		data = json.RawMessage(evt.Payload)
	default:
		quoted, _ := json.Marshal(map[string]string{"raw": evt.Payload})
		data = quoted
	}
	return json.Marshal(hookPayload{
		ID:         evt.ID,
		Type:       evt.Type,
		TS:         evt.TS,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Data:       data,
	})
}

// deliver posts one event. Transport errors and 5xx answers are retried a few
// times; any other non-2xx answer fails immediately.
func (d *webhookDispatcher) deliver(ctx context.Context, s *subscriber, evt domain.Event) error {
	body, err := encodeHookPayload(evt)
	if err != nil {
		return err
	}
	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caseline-Event", evt.Type)
		req.Header.Set("X-Caseline-Delivery", strconv.FormatInt(evt.ID, 10))
		if evt.ProjectID != "" {
			req.Header.Set("X-Caseline-Project", evt.ProjectID)
		}
		if s.secret != "" {
			req.Header.Set("X-Caseline-Secret", s.secret)
		}
		res, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode/100 == 2 {
			return nil
		}
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		body := strings.TrimSpace(string(snippet))
		if res.StatusCode >= 500 {
			return fmt.Errorf("hook answered %d: %s", res.StatusCode, body)
		}
		return backoff.Permanent(&hookRejected{status: res.StatusCode, body: body})
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(post, backoff.WithContext(backoff.WithMaxRetries(bo, webhookMaxAttempts-1), ctx))
}
