// Package alert delivers best-effort notifications of material state
// changes. Notify never blocks the caller: events are queued and fanned
// out to every sink by a background dispatcher, and a full queue drops.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/conviction-engine/internal/metrics"
)

// Kind names the state change.
type Kind string

const (
	KindStartup         Kind = "STARTUP"
	KindShutdown        Kind = "SHUTDOWN"
	KindPaused          Kind = "PAUSED"
	KindResumed         Kind = "RESUMED"
	KindKillSwitch      Kind = "KILL_SWITCH"
	KindRegimeOverride  Kind = "REGIME_OVERRIDE"
	KindEntry           Kind = "ENTRY"
	KindExit            Kind = "EXIT"
	KindExecutionFailed Kind = "EXECUTION_FAILED"
	KindCooldown        Kind = "COOLDOWN"
)

// Severity orders events for sink filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "INFO"
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity accepts INFO, WARNING or CRITICAL, case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("alert: unknown severity %q", v)
}

// Event is one notification.
type Event struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message,omitempty"`
	Asset    string         `json:"asset,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// NewEvent stamps an event with an ID and the current time.
func NewEvent(kind Kind, sev Severity, title, message string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: sev,
		Title:    title,
		Message:  message,
		At:       time.Now().UTC(),
	}
}

// With returns e with an extra field.
func (e Event) With(key string, v any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, old := range e.Fields {
		fields[k] = old
	}
	fields[key] = v
	e.Fields = fields
	return e
}

// Text renders the event as a plain-text message.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Severity, e.Title)
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	if e.Asset != "" {
		fmt.Fprintf(&b, "\nasset: %s", e.Asset)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, e.Fields[k])
	}
	return b.String()
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Notifier is what the rest of the agent depends on.
type Notifier interface {
	Notify(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// Dispatcher queues events and delivers them to every sink.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a bounded queue. Each sink
// delivery is bounded by timeout.
func NewDispatcher(sinks []Sink, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Start runs the delivery loop until Close.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for e := range d.queue {
			d.deliver(e)
		}
	}()
}

// Notify enqueues e, dropping it when the queue is full or closed.
func (d *Dispatcher) Notify(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.AlertsDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case d.queue <- e:
	default:
		metrics.AlertsDropped.WithLabelValues("queue").Inc()
		d.logger.Warn("alert queue full, dropping", "kind", e.Kind, "title", e.Title)
	}
}

// Close stops accepting events and waits for queued ones to deliver.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(e Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := safeSend(ctx, s, e)
		cancel()
		if err != nil {
			metrics.AlertsDropped.WithLabelValues(s.Name()).Inc()
			d.logger.Error("alert delivery failed", "sink", s.Name(), "kind", e.Kind, "err", err)
		}
	}
}

func safeSend(ctx context.Context, s Sink, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alert: sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, e)
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{"kind", e.Kind, "event_id", e.ID}
	if e.Asset != "" {
		attrs = append(attrs, "asset", e.Asset)
	}
	if e.Message != "" {
		attrs = append(attrs, "detail", e.Message)
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	logger.Log(context.Background(), level, "alert: "+e.Title, attrs...)
	return nil
}
