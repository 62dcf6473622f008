package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

var allChannels = []string{access.ChannelEmail, access.ChannelSMS, access.ChannelPush}

// Directory resolves people: the patient and their family links.
type Directory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*access.Patient, error)
	ListFamilyMembers(ctx context.Context, patientID uuid.UUID) ([]*access.FamilyMember, error)
}

type Deps struct {
	Repo      Repository
	Directory Directory
	Gateways  map[string]Gateway
	Templates *Templates
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Config    config.NotifyConfig
}

// Dispatcher turns messages into per-recipient, per-channel notifications
// and drives them through delivery with retry.
type Dispatcher struct {
	repo      Repository
	dir       Directory
	gateways  map[string]Gateway
	templates *Templates
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Collector
	cfg       config.NotifyConfig
	tracer    trace.Tracer
}

func NewDispatcher(d Deps) (*Dispatcher, error) {
	if d.Templates == nil {
		t, err := LoadTemplates()
		if err != nil {
			return nil, err
		}
		d.Templates = t
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Config.MaxRetries <= 0 {
		d.Config.MaxRetries = 3
	}
	if d.Config.BackoffStep <= 0 {
		d.Config.BackoffStep = 5 * time.Minute
	}
	if d.Config.SendingTimeout <= 0 {
		d.Config.SendingTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		repo:      d.Repo,
		dir:       d.Directory,
		gateways:  d.Gateways,
		templates: d.Templates,
		clock:     d.Clock,
		log:       d.Logger.Named("notify"),
		metrics:   d.Metrics,
		cfg:       d.Config,
		tracer:    otel.Tracer("notify"),
	}, nil
}

// Dispatch queues msg for every eligible recipient and channel and returns
// the notifications it created. Emergencies are sent before it returns;
// everything else waits for ProcessDue.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) ([]*Notification, error) {
	ctx, span := d.tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(
		attribute.String("patient.id", msg.PatientID.String()),
		attribute.String("notification.type", string(msg.Type)),
	))
	defer span.End()

	patient, err := d.dir.GetPatient(ctx, msg.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	var members []*access.FamilyMember
	if !msg.PatientOnly {
		members, err = d.dir.ListFamilyMembers(ctx, msg.PatientID)
		if err != nil {
			return nil, fmt.Errorf("list family members: %w", err)
		}
	}

	emergency := msg.Priority == PriorityEmergency
	now := d.clock.Now()
	var out []*Notification

	for _, r := range ResolveRecipients(patient, members, msg) {
		for _, ch := range SelectChannels(r, msg) {
			n, err := d.build(patient, r, ch, msg, now)
			if err != nil {
				d.log.Error("render notification", zap.Error(err),
					zap.String("type", string(msg.Type)), zap.String("channel", ch))
				continue
			}
			created, err := d.repo.Insert(ctx, n)
			if err != nil {
				return out, fmt.Errorf("queue notification: %w", err)
			}
			if !created {
				continue
			}
			d.metrics.Notification(ch, string(n.Status))
			out = append(out, n)
		}
	}

	if emergency {
		for _, n := range out {
			d.attempt(ctx, n)
		}
	}
	if len(out) > 0 {
		d.log.Info("notifications queued",
			zap.String("patient_id", msg.PatientID.String()),
			zap.String("type", string(msg.Type)),
			zap.Int("count", len(out)),
		)
	}
	return out, nil
}

func (d *Dispatcher) build(patient *access.Patient, r Recipient, channel string, msg Message, now time.Time) (*Notification, error) {
	subject, body, err := d.templates.Render(msg.Type, TemplateData{
		RecipientName:  r.Name,
		PatientName:    patient.Name,
		ForPatient:     r.Kind == RecipientPatient,
		MedicationName: msg.MedicationName,
		Dosage:         msg.Dosage,
		ScheduledAt:    formatLocal(msg.ScheduledFor, r.Location),
		Text:           msg.Text,
		Details:        msg.Details,
	})
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	key := msg.DedupeKey
	if key == "" {
		key = id.String()
	}
	n := &Notification{
		ID:            id,
		PatientID:     msg.PatientID,
		CommandID:     msg.CommandID,
		EventID:       msg.EventID,
		RecipientID:   r.ID,
		RecipientKind: r.Kind,
		RecipientName: r.Name,
		Channel:       channel,
		Address:       r.Contact.Address(channel),
		Type:          msg.Type,
		Priority:      msg.Priority,
		Subject:       subject,
		Body:          body,
		Data:          msg.Details,
		Status:        StatusPending,
		NextAttemptAt: now,
		DedupeKey:     fmt.Sprintf("%s|%s|%s", key, r.ID, channel),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch {
	case msg.Priority == PriorityEmergency:
		// Claimed up front; RecoverStuck picks it up if the inline send dies.
		n.Status = StatusSending
	case !msg.BypassQuietHours:
		if until, ok := QuietUntil(now, r.Preferences.QuietHours, r.Location); ok {
			n.NextAttemptAt = until
			n.QuietDelayed = true
		}
	}
	return n, nil
}

// ResolveRecipients returns the patient (unless skipped) and every active
// family member holding the message's permission. Members who asked for
// emergencies only are left out of anything else. For emergencies, every
// active emergency contact is included regardless of permissions.
func ResolveRecipients(patient *access.Patient, members []*access.FamilyMember, msg Message) []Recipient {
	emergency := msg.Priority == PriorityEmergency
	perm := msg.Permission
	if perm == "" {
		perm = access.PermNotify
	}
	patientLoc := locationOr(patient.TimeZone, time.UTC)

	var out []Recipient
	if !msg.SkipPatient {
		out = append(out, Recipient{
			ID:          patient.ID,
			Kind:        RecipientPatient,
			Name:        patient.Name,
			Contact:     patient.Contact,
			Location:    patientLoc,
			Preferences: patient.Notifications,
		})
	}
	if msg.PatientOnly {
		return out
	}
	for _, m := range members {
		if !m.Active() {
			continue
		}
		eligible := m.Permissions.Has(perm) || (emergency && m.Permissions.IsEmergencyContact)
		if !eligible || (m.Notifications.EmergencyOnly && !emergency) {
			continue
		}
		out = append(out, Recipient{
			ID:               m.MemberID,
			Kind:             RecipientFamily,
			Name:             m.Name,
			Contact:          m.Contact,
			Location:         locationOr(m.TimeZone, patientLoc),
			Preferences:      m.Notifications,
			EmergencyContact: m.Permissions.IsEmergencyContact,
		})
	}
	return out
}

// SelectChannels intersects the recipient's preferred channels (all when
// unset) with the message's channel restriction and the contact data on file.
// Emergencies go out on every channel with contact data.
func SelectChannels(r Recipient, msg Message) []string {
	var out []string
	for _, ch := range allChannels {
		if !r.Contact.Has(ch) {
			continue
		}
		if msg.Priority != PriorityEmergency {
			if len(r.Preferences.Channels) > 0 && !slices.Contains(r.Preferences.Channels, ch) {
				continue
			}
			if len(msg.Channels) > 0 && !slices.Contains(msg.Channels, ch) {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}

// QuietUntil reports whether now falls inside the quiet-hours window in loc
// and, if so, the instant the window ends.
func QuietUntil(now time.Time, q *access.QuietHours, loc *time.Location) (time.Time, bool) {
	if q == nil || !q.Enabled {
		return time.Time{}, false
	}
	start, err := schedule.ParseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := schedule.ParseClock(q.End)
	if err != nil {
		return time.Time{}, false
	}
	if !schedule.Within(schedule.ClockOf(now, loc), start, end) {
		return time.Time{}, false
	}
	until := end.On(now, loc)
	if !until.After(now) {
		until = end.On(now.In(loc).AddDate(0, 0, 1), loc)
	}
	return until, true
}

// ProcessDue claims due notifications and attempts each once. It returns the
// number attempted.
func (d *Dispatcher) ProcessDue(ctx context.Context, limit int) (int, error) {
	claimed, err := d.repo.ClaimDue(ctx, d.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	for _, n := range claimed {
		if ctx.Err() != nil {
			// Left in sending; RecoverStuck resumes them.
			return 0, ctx.Err()
		}
		d.attempt(ctx, n)
	}
	return len(claimed), nil
}

// attempt sends a notification already in sending and records the outcome.
// Failures never propagate: they become retrying or failed.
func (d *Dispatcher) attempt(ctx context.Context, n *Notification) {
	log := d.log.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel),
		zap.String("patient_id", n.PatientID.String()),
	)

	n.Attempts++
	var (
		msgID string
		err   error
	)
	if gw, ok := d.gateways[n.Channel]; ok {
		msgID, err = gw.Send(ctx, Delivery{
			NotificationID: n.ID,
			To:             n.Address,
			Subject:        n.Subject,
			Body:           n.Body,
			Priority:       n.Priority,
			Data:           n.Data,
		})
	} else {
		err = &GatewayError{Channel: n.Channel, Err: errors.New("no gateway configured")}
	}

	now := d.clock.Now()
	n.UpdatedAt = now
	if err == nil {
		n.Status = StatusDelivered
		n.DeliveredAt = &now
		n.MessageID = msgID
		n.LastError = ""
		n.History = append(n.History, Attempt{At: now, Outcome: "delivered", MessageID: msgID})
		d.metrics.GatewayAttempt(n.Channel, "ok")
	} else {
		n.LastError = err.Error()
		n.History = append(n.History, Attempt{At: now, Outcome: "error", Error: err.Error()})
		d.metrics.GatewayAttempt(n.Channel, "error")
		d.failOrRetry(n, IsRetryable(err), now)
		if n.Status == StatusFailed {
			log.Warn("notification failed", zap.Int("attempts", n.Attempts), zap.Error(err))
		} else {
			log.Info("notification will be retried", zap.Int("attempts", n.Attempts), zap.Time("next_attempt_at", n.NextAttemptAt), zap.Error(err))
		}
	}
	d.metrics.Notification(n.Channel, string(n.Status))

	// The send may have outlived the caller's budget; the outcome still counts.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.repo.Update(saveCtx, n, StatusSending); err != nil {
		log.Error("save notification outcome", zap.Error(err))
	}
}

// failOrRetry applies linear backoff: the k-th failed attempt waits k steps,
// up to MaxRetries retries.
func (d *Dispatcher) failOrRetry(n *Notification, retryable bool, now time.Time) {
	if retryable && n.Attempts <= d.cfg.MaxRetries {
		n.Status = StatusRetrying
		n.NextAttemptAt = now.Add(time.Duration(n.Attempts) * d.cfg.BackoffStep)
		return
	}
	n.Status = StatusFailed
}

// RecoverStuck resolves notifications left in sending past the sending
// timeout, typically by a crash mid-send. The interrupted send counts as a
// failed attempt, so they resume immediately or fail once retries run out.
func (d *Dispatcher) RecoverStuck(ctx context.Context, limit int) (int, error) {
	now := d.clock.Now()
	stuck, err := d.repo.ListStuck(ctx, now.Add(-d.cfg.SendingTimeout), limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, n := range stuck {
		n.Attempts++
		n.UpdatedAt = now
		n.LastError = "delivery interrupted"
		n.History = append(n.History, Attempt{At: now, Outcome: "interrupted"})
		d.failOrRetry(n, true, now)
		if n.Status == StatusRetrying {
			n.NextAttemptAt = now
		}
		if err := d.repo.Update(ctx, n, StatusSending); err != nil {
			if errors.Is(err, ErrStale) {
				continue
			}
			return recovered, err
		}
		recovered++
		d.log.Warn("recovered stuck notification",
			zap.String("notification_id", n.ID.String()),
			zap.String("status", string(n.Status)),
		)
	}
	return recovered, nil
}

func (d *Dispatcher) ListForPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*Notification, error) {
	return d.repo.ListByPatient(ctx, patientID, limit)
}

func locationOr(name string, fallback *time.Location) *time.Location {
	if name == "" {
		return fallback
	}
	loc, err := schedule.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}
