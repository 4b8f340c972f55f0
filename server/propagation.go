package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Dispatcher delivers one directive to a client domain's cookie endpoint.
// Delivery is a separate trust boundary: the coordinator only observes
// the dispatch outcome and optional asynchronous acknowledgments.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Directive) error
}

// HTTPDispatcher posts directives to each client domain's cookie-set and
// cookie-clear endpoints. Both endpoints are idempotent by contract, so
// re-dispatching a directive is safe.
type HTTPDispatcher struct {
	client    *http.Client
	setPath   string
	clearPath string
}

// NewHTTPDispatcher constructs the production dispatcher.
func NewHTTPDispatcher(cfg PropagationConfig) *HTTPDispatcher {
	return &HTTPDispatcher{
		client:    &http.Client{Timeout: cfg.DispatchTimeout},
		setPath:   cfg.SetCookiePath,
		clearPath: cfg.ClearCookiePath,
	}
}

type directiveBody struct {
	DirectiveID string `json:"directiveId"`
	Payload     string `json:"payload,omitempty"`
}

func (hd *HTTPDispatcher) Dispatch(ctx context.Context, d Directive) error {
	path := hd.clearPath
	if d.Kind == DirectiveSetCookie {
		path = hd.setPath
	}
	target := strings.TrimSuffix(d.Domain, "/") + path

	body, err := json.Marshal(directiveBody{DirectiveID: d.ID, Payload: d.Payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hd.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cookie endpoint returned %s", resp.Status)
	}
	return nil
}

// Coordinator synchronizes cookie state across every client domain a
// session spans. Each (session, client) pair being synchronized is a
// tracked target moving Pending -> Dispatched -> Acknowledged | Failed.
// Failures are isolated per target and never fail the parent operation.
type Coordinator struct {
	dispatcher  Dispatcher
	logger      *slog.Logger
	timeout     time.Duration
	ackDeadline time.Duration
	sem         chan struct{}

	mu      sync.Mutex
	targets map[string]*PropagationTarget
	now     func() time.Time
}

// NewCoordinator constructs the propagation coordinator.
func NewCoordinator(cfg PropagationConfig, dispatcher Dispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		dispatcher:  dispatcher,
		logger:      logger,
		timeout:     cfg.DispatchTimeout,
		ackDeadline: cfg.AckDeadline,
		sem:         make(chan struct{}, cfg.MaxParallelism),
		targets:     make(map[string]*PropagationTarget),
		now:         time.Now,
	}
}

// EncodePayload packs tokens into the opaque payload client domains
// decode at their cookie-set endpoint.
func EncodePayload(pair TokenPair) string {
	b, _ := json.Marshal(CookiePayload{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodePayload is the inverse of EncodePayload; client applications use
// it at their cookie-set endpoint.
func DecodePayload(encoded string) (CookiePayload, error) {
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return CookiePayload{}, fmt.Errorf("decode payload: %w", err)
	}
	var p CookiePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return CookiePayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func (co *Coordinator) newTarget(kind DirectiveKind, sessionID string, client Client, payload string) *PropagationTarget {
	d := Directive{
		ID:        NewID(),
		Kind:      kind,
		SessionID: sessionID,
		ClientID:  client.ClientID,
		Domain:    client.BaseDomain,
		Payload:   payload,
		CreatedAt: co.now(),
	}
	t := &PropagationTarget{Directive: d, State: TargetPending}
	co.mu.Lock()
	co.targets[d.ID] = t
	co.mu.Unlock()
	return t
}

// dispatch runs one directive against its domain, bounded by the
// per-target timeout, and records the terminal state.
func (co *Coordinator) dispatch(ctx context.Context, t *PropagationTarget) {
	co.mu.Lock()
	if t.State == TargetAcknowledged {
		co.mu.Unlock()
		return
	}
	t.State = TargetDispatched
	t.DispatchedAt = co.now()
	co.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	start := co.now()
	err := co.dispatcher.Dispatch(dctx, t.Directive)
	observePropagation(string(t.Directive.Kind), err, co.now().Sub(start))

	co.mu.Lock()
	defer co.mu.Unlock()
	if err != nil {
		t.State = TargetFailed
		t.Err = err.Error()
		t.CompletedAt = co.now()
		co.logger.Warn("propagation dispatch failed",
			"directive_id", t.Directive.ID,
			"kind", t.Directive.Kind,
			"client_id", t.Directive.ClientID,
			"domain", t.Directive.Domain,
			"error", err)
		return
	}
	t.State = TargetAcknowledged
	t.CompletedAt = co.now()
}

// LoginFanOut generates set-cookie directives for the requesting client
// and the session's remaining active clients. The requesting client's
// directive is dispatched synchronously before the caller redirects; the
// peers are dispatched best-effort in the background since the user is
// not currently viewing those domains.
func (co *Coordinator) LoginFanOut(ctx context.Context, sess Session, requesting Client, pair TokenPair, peers []Client) *PropagationTarget {
	payload := EncodePayload(pair)

	own := co.newTarget(DirectiveSetCookie, sess.ID, requesting, payload)
	co.dispatch(ctx, own)

	for _, peer := range peers {
		if peer.ClientID == requesting.ClientID {
			continue
		}
		t := co.newTarget(DirectiveSetCookie, sess.ID, peer, payload)
		go func() {
			co.sem <- struct{}{}
			defer func() { <-co.sem }()
			co.dispatch(context.Background(), t)
		}()
	}
	return own
}

// LogoutFanOut dispatches clear-cookie directives to every client in the
// session's former active set, concurrently with bounded parallelism.
// Each dispatch has an independent timeout; one slow or unreachable
// domain cannot delay or fail the others, and no failure is surfaced to
// the initiating request. Session revocation happens before this call
// and does not depend on any outcome here.
func (co *Coordinator) LogoutFanOut(ctx context.Context, sessionID string, clients []Client) []PropagationTarget {
	targets := make([]*PropagationTarget, 0, len(clients))
	var wg sync.WaitGroup
	for _, client := range clients {
		t := co.newTarget(DirectiveClearCookie, sessionID, client, "")
		targets = append(targets, t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			co.sem <- struct{}{}
			defer func() { <-co.sem }()
			co.dispatch(ctx, t)
		}()
	}
	wg.Wait()

	out := make([]PropagationTarget, 0, len(targets))
	co.mu.Lock()
	for _, t := range targets {
		out = append(out, *t)
	}
	co.mu.Unlock()
	return out
}

// Ack records an asynchronous acknowledgment from a client domain's
// endpoint, delivered through the browser. Terminal acknowledgments are
// idempotent; acking an already-acknowledged directive is a no-op.
func (co *Coordinator) Ack(directiveID string, success bool, detail string) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	t, ok := co.targets[directiveID]
	if !ok {
		return ErrNotFound
	}
	if t.State == TargetAcknowledged {
		return nil
	}
	if success {
		t.State = TargetAcknowledged
		t.Err = ""
	} else {
		t.State = TargetFailed
		t.Err = detail
	}
	t.CompletedAt = co.now()
	return nil
}

// Retry re-dispatches a failed target. Retry is explicit, never
// automatic, so duplicate side effects stay within what the idempotent
// endpoint contract already tolerates.
func (co *Coordinator) Retry(ctx context.Context, directiveID string) error {
	co.mu.Lock()
	t, ok := co.targets[directiveID]
	if !ok {
		co.mu.Unlock()
		return ErrNotFound
	}
	if t.State != TargetFailed {
		co.mu.Unlock()
		return fmt.Errorf("directive %s is %s, only failed targets can be retried", directiveID, t.State)
	}
	t.State = TargetPending
	t.Err = ""
	co.mu.Unlock()

	co.dispatch(ctx, t)
	return nil
}

// Targets returns the tracked targets for a session, newest first.
func (co *Coordinator) Targets(sessionID string) []PropagationTarget {
	co.mu.Lock()
	defer co.mu.Unlock()
	var out []PropagationTarget
	for _, t := range co.targets {
		if t.Directive.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Directive.CreatedAt.After(out[j].Directive.CreatedAt)
	})
	return out
}

// StartSweeper expires targets stuck in Dispatched past the ack deadline
// and drops terminal targets older than an hour.
func (co *Coordinator) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				co.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (co *Coordinator) sweep() {
	now := co.now()
	co.mu.Lock()
	defer co.mu.Unlock()
	for id, t := range co.targets {
		switch t.State {
		case TargetDispatched:
			if now.Sub(t.DispatchedAt) > co.ackDeadline {
				t.State = TargetFailed
				t.Err = ErrPropagationTimeout.Error()
				t.CompletedAt = now
			}
		case TargetAcknowledged, TargetFailed:
			if now.Sub(t.CompletedAt) > time.Hour {
				delete(co.targets, id)
			}
		}
	}
}
