// Package ledger is the audit trail of the control loop. Every rule
// creation, activation change and defense trigger goes through it and
// writes its AuditEvent in the same transaction as the state change.
// Undo is the only compensating action.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/idgen"
	"github.com/hazyhaar/seopilot/kit"
	"github.com/hazyhaar/seopilot/rule"
)

// Event types.
const (
	EventStrategicFix     = "strategic-fix"
	EventDefenseDeployed  = "defense-deployed"
	EventAutoFix          = "auto-fix"
	EventUndo             = "undo"
	EventContentGenerated = "content-generated"
	EventFlywheelLink     = "flywheel-link"
	EventAlgorithmAlert   = "algorithm-alert"
	EventInfo             = "info"
)

var (
	ErrAlreadyInactive = errors.New("ledger: rule already inactive")
	ErrDuplicate       = errors.New("ledger: identical active rule exists")
)

// Details is the structured payload of an event. Only the fields relevant
// to the event are set.
type Details struct {
	Action         string      `json:"action,omitempty"`
	RuleID         string      `json:"ruleId,omitempty"`
	RuleType       rule.Type   `json:"ruleType,omitempty"`
	PriorType      rule.Type   `json:"priorType,omitempty"`
	Source         rule.Source `json:"source,omitempty"`
	Reasoning      string      `json:"reasoning,omitempty"`
	Confidence     float64     `json:"confidence,omitempty"`
	Divergence     *float64    `json:"divergence,omitempty"`
	Supersedes     string      `json:"supersedes,omitempty"`
	SupersededBy   string      `json:"supersededBy,omitempty"`
	Actor          string      `json:"actor,omitempty"`
	DropPct        float64     `json:"dropPct,omitempty"`
	Market         float64     `json:"market,omitempty"`
	Message        string      `json:"message,omitempty"`
	IssuesResolved int64       `json:"issuesResolved,omitempty"`
	OperatorID     string      `json:"operatorId,omitempty"`
	Transport      string      `json:"transport,omitempty"`
	TraceID        string      `json:"traceId,omitempty"`
}

// Publisher receives committed events. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Ledger writes rules and their audit events.
type Ledger struct {
	store  *store.Store
	ids    idgen.Generator
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher fans committed events out to subjectPrefix.<siteID>.
func WithPublisher(p Publisher, subjectPrefix string) Option {
	return func(l *Ledger) {
		l.pub = p
		l.prefix = subjectPrefix
	}
}

// WithIDs sets the event ID generator.
func WithIDs(gen idgen.Generator) Option { return func(l *Ledger) { l.ids = gen } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithClock injects the time source for event timestamps.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a Ledger.
func New(st *store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		ids:    idgen.Default,
		prefix: "seopilot.audit",
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) event(ctx context.Context, siteID, typ, path string, d Details) (*store.Event, error) {
	d.OperatorID = kit.GetUserID(ctx)
	d.Transport = kit.GetTransport(ctx)
	d.TraceID = kit.GetTraceID(ctx)
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("ledger: details: %w", err)
	}
	return &store.Event{
		ID:         l.ids(),
		SiteID:     siteID,
		Type:       typ,
		TargetPath: path,
		Details:    raw,
		OccurredAt: l.now().UnixMilli(),
	}, nil
}

// Record appends an event that is not tied to a rule change, such as an
// algorithm alert.
func (l *Ledger) Record(ctx context.Context, siteID, typ, path string, d Details) (*store.Event, error) {
	ev, err := l.event(ctx, siteID, typ, path, d)
	if err != nil {
		return nil, err
	}
	if err := l.store.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("ledger: record: %w", err)
	}
	l.publish(ev)
	return ev, nil
}

// CreateRule stores r and its creation event of type typ. The rule fields
// are copied into the details. An active rule resolves the issues open
// on its path. ErrDuplicate is returned when an identical rule is active.
func (l *Ledger) CreateRule(ctx context.Context, r *store.Rule, typ string, d Details) (*store.Event, error) {
	d.RuleID = r.ID
	d.RuleType = r.Type
	d.Source = r.Source
	d.Reasoning = r.Reasoning
	d.Confidence = r.Confidence
	d.Divergence = r.Divergence
	if r.CreatedAt == 0 {
		r.CreatedAt = l.now().UnixMilli()
	}

	var ev *store.Event
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		if r.Active && r.PayloadHash != "" {
			dup, err := tx.HasActiveDuplicate(ctx, r.SiteID, r.TargetPath, r.Type, r.PayloadHash)
			if err != nil {
				return err
			}
			if dup {
				return ErrDuplicate
			}
		}
		if err := tx.InsertRule(ctx, r); err != nil {
			return err
		}
		dd := d
		if r.Active {
			n, err := tx.DeleteIssuesForPaths(ctx, r.SiteID, rule.PathVariants(r.TargetPath))
			if err != nil {
				return err
			}
			dd.IssuesResolved = n
		}
		var err error
		if ev, err = l.event(ctx, r.SiteID, typ, r.TargetPath, dd); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: create rule: %w", err)
	}
	l.publish(ev)
	return ev, nil
}

// siteRule loads a rule and checks it belongs to siteID.
func siteRule(ctx context.Context, tx *store.Tx, siteID, ruleID string) (*store.Rule, error) {
	r, err := tx.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.SiteID != siteID {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// SetActive changes a rule's active flag and records it. Activation
// resolves the issues open on the rule's path. Setting the current value
// is a no-op without an event.
func (l *Ledger) SetActive(ctx context.Context, siteID, ruleID string, active bool, actor string) (*store.Rule, error) {
	var (
		out *store.Rule
		ev  *store.Event
	)
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		ev = nil
		r, err := siteRule(ctx, tx, siteID, ruleID)
		if err != nil {
			return err
		}
		out = r
		if r.Active == active {
			return nil
		}
		if err := tx.SetRuleActive(ctx, ruleID, active); err != nil {
			return err
		}
		r.Active = active

		d := Details{Action: "deactivate", RuleID: r.ID, RuleType: r.Type, Actor: actor}
		if active {
			d.Action = "activate"
			if d.IssuesResolved, err = tx.DeleteIssuesForPaths(ctx, siteID, rule.PathVariants(r.TargetPath)); err != nil {
				return err
			}
		}
		if ev, err = l.event(ctx, siteID, EventInfo, r.TargetPath, d); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: set active: %w", err)
	}
	if ev != nil {
		l.publish(ev)
	}
	return out, nil
}

// Supersede replaces a rule's payload without editing it: the old rule is
// deactivated and a new rule with the same path and type is created with
// the given active flag. Both events reference each other.
func (l *Ledger) Supersede(ctx context.Context, siteID, oldID string, payload json.RawMessage, active bool, newID, actor string) (*store.Rule, error) {
	var (
		next   *store.Rule
		events []*store.Event
	)
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		events = events[:0]
		old, err := siteRule(ctx, tx, siteID, oldID)
		if err != nil {
			return err
		}
		p, err := rule.DecodePayload(old.Type, payload)
		if err != nil {
			return err
		}
		enc, err := rule.Encode(p)
		if err != nil {
			return err
		}
		hash, err := rule.Hash(p)
		if err != nil {
			return err
		}

		if old.Active {
			if err := tx.SetRuleActive(ctx, oldID, false); err != nil {
				return err
			}
			ev, err := l.event(ctx, siteID, EventInfo, old.TargetPath, Details{
				Action: "deactivate", RuleID: old.ID, RuleType: old.Type, SupersededBy: newID, Actor: actor,
			})
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
			events = append(events, ev)
		}

		next = &store.Rule{
			ID:          newID,
			SiteID:      siteID,
			TargetPath:  old.TargetPath,
			Type:        old.Type,
			Payload:     enc,
			PayloadHash: hash,
			Active:      active,
			Confidence:  1,
			Reasoning:   "operator edit of " + old.ID,
			Source:      rule.SourceManual,
			CreatedAt:   l.now().UnixMilli(),
		}
		if err := tx.InsertRule(ctx, next); err != nil {
			return err
		}
		d := Details{
			Action: "supersede", RuleID: next.ID, RuleType: next.Type, Source: next.Source,
			Reasoning: next.Reasoning, Confidence: next.Confidence, Supersedes: old.ID, Actor: actor,
		}
		if active {
			if d.IssuesResolved, err = tx.DeleteIssuesForPaths(ctx, siteID, rule.PathVariants(next.TargetPath)); err != nil {
				return err
			}
		}
		ev, err := l.event(ctx, siteID, EventInfo, next.TargetPath, d)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: supersede: %w", err)
	}
	for _, ev := range events {
		l.publish(ev)
	}
	return next, nil
}

// Undo deactivates a rule and writes exactly one "undo" event carrying
// the rule ID and its type.
func (l *Ledger) Undo(ctx context.Context, siteID, ruleID, actor string) (*store.Event, error) {
	var ev *store.Event
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		r, err := siteRule(ctx, tx, siteID, ruleID)
		if err != nil {
			return err
		}
		if !r.Active {
			return ErrAlreadyInactive
		}
		if err := tx.SetRuleActive(ctx, ruleID, false); err != nil {
			return err
		}
		if ev, err = l.event(ctx, siteID, EventUndo, r.TargetPath, Details{
			RuleID: r.ID, PriorType: r.Type, Source: r.Source, Actor: actor,
		}); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: undo: %w", err)
	}
	l.publish(ev)
	return ev, nil
}

// List returns a site's events newest first, optionally of one type.
func (l *Ledger) List(ctx context.Context, siteID, typ string, limit int) ([]*store.Event, error) {
	return l.store.ListEvents(ctx, siteID, typ, limit)
}

func (l *Ledger) publish(ev *store.Event) {
	if l.pub == nil || ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := l.pub.Publish(l.prefix+"."+ev.SiteID, data); err != nil {
		l.logger.Warn("ledger: publish failed", "site_id", ev.SiteID, "event_id", ev.ID, "error", err)
	}
}
