package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/datasource"
	"sensoralert/internal/debounce"
	"sensoralert/internal/domain"
	"sensoralert/internal/ledger"
	"sensoralert/internal/recipients"
	"sensoralert/internal/templatefmt"
)

// ErrQueueFull marks a delivery rejected because its channel backlog is full.
var ErrQueueFull = errors.New("dispatch queue full")

// Request is one matched filter to fan out for an alert.
// Params: alert snapshot, matched filter, triggering event, lookup data, and debounce bypass.
// Returns: dispatch input; JSON-encodable for the async queue.
type Request struct {
	Alert  domain.Alert          `json:"alert"`
	Filter domain.AlertFilter    `json:"filter"`
	Event  domain.ViolationEvent `json:"event"`
	Sensor domain.Sensor         `json:"sensor"`
	Area   domain.Area           `json:"area"`
	Bypass bool                  `json:"bypass,omitempty"`
}

// Message is the template data for channel bodies.
type Message struct {
	Alert     domain.Alert
	Filter    domain.AlertFilter
	Event     domain.ViolationEvent
	Sensor    domain.Sensor
	Area      domain.Area
	Action    domain.Action
	Recipient recipients.Recipient
}

// StatusFunc reports current alert status before a delivery starts.
type StatusFunc func(ctx context.Context, alertID string) (domain.AlertStatus, bool, error)

// Observer receives per-attempt outcomes.
type Observer interface {
	ObserveAttempt(channel domain.Channel, status domain.ExecutionStatus, duration time.Duration)
}

// Deps are collaborators used by the dispatcher.
type Deps struct {
	Source   datasource.DataSource
	Resolver *recipients.Resolver
	Gate     debounce.Gate
	Ledger   ledger.Ledger
	Senders  []ChannelSender
}

// Options tunes dispatcher behavior.
// Params: debounce window, status probe, metrics observer, clock, and logger.
type Options struct {
	Debounce time.Duration
	Status   StatusFunc
	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// channelTemplates holds compiled default subject/body for one channel.
type channelTemplates struct {
	subject *template.Template
	body    *template.Template
}

// Dispatcher fans matched filters out to channel senders with retries and auditing.
// Params: per-channel pools, shared retry policy, and debounce gate.
// Returns: asynchronous dispatch facade used by the pipeline and queue workers.
type Dispatcher struct {
	source    datasource.DataSource
	resolver  *recipients.Resolver
	gate      debounce.Gate
	ledger    ledger.Ledger
	senders   map[domain.Channel]ChannelSender
	pools     map[domain.Channel]*workerPool
	templates map[domain.Channel]channelTemplates
	retry     config.DispatchRetry
	envSource string
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewDispatcher builds dispatcher with one bounded pool per configured sender.
// Params: dispatch config (retry, pools, templates), collaborators, and options.
// Returns: running dispatcher or template compile error.
func NewDispatcher(cfg config.DispatchConfig, deps Deps, opts Options) (*Dispatcher, error) {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Resolver == nil {
		deps.Resolver = recipients.NewResolver(deps.Source, opts.Logger)
	}
	templates, err := compileChannelTemplates(cfg)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		source:    deps.Source,
		resolver:  deps.Resolver,
		gate:      deps.Gate,
		ledger:    deps.Ledger,
		senders:   make(map[domain.Channel]ChannelSender, len(deps.Senders)),
		pools:     make(map[domain.Channel]*workerPool, len(deps.Senders)),
		templates: templates,
		retry:     cfg.Retry,
		envSource: cfg.Webhook.Source,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	for _, sender := range deps.Senders {
		channel := sender.Channel()
		d.senders[channel] = sender
		pool := cfg.PoolFor(string(channel))
		d.pools[channel] = newWorkerPool(pool.Workers, pool.QueueSize)
	}
	return d, nil
}

// compileChannelTemplates parses default subject/body templates per recipient channel.
func compileChannelTemplates(cfg config.DispatchConfig) (map[domain.Channel]channelTemplates, error) {
	specs := []struct {
		channel       domain.Channel
		subject, body string
	}{
		{domain.ChannelEmail, cfg.Email.Subject, cfg.Email.Body},
		{domain.ChannelSMS, "", cfg.SMS.Message},
		{domain.ChannelPush, "", cfg.Push.Message},
		{domain.ChannelInApp, "", cfg.InApp.Message},
	}
	out := make(map[domain.Channel]channelTemplates, len(specs))
	for _, spec := range specs {
		var entry channelTemplates
		var err error
		if spec.subject != "" {
			if entry.subject, err = templatefmt.ParseNotificationTemplate("dispatch."+string(spec.channel)+".subject", spec.subject); err != nil {
				return nil, fmt.Errorf("compile %s subject: %w", spec.channel, err)
			}
		}
		if spec.body != "" {
			if entry.body, err = templatefmt.ParseNotificationTemplate("dispatch."+string(spec.channel)+".body", spec.body); err != nil {
				return nil, fmt.Errorf("compile %s body: %w", spec.channel, err)
			}
		}
		out[spec.channel] = entry
	}
	return out, nil
}

// Dispatch submits deliveries for every action of matched filter.
// Params: context and dispatch request.
// Returns: joined errors for actions that could not be loaded or planned; delivery outcomes go to the ledger.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	d.enrich(ctx, &req)
	logger := d.logger.With("alert_id", req.Alert.ID, "filter_id", req.Filter.ID)

	var (
		resolved []recipients.Recipient
		haveList bool
		errs     []error
	)
	for _, actionID := range req.Filter.ActionIDs {
		action, err := d.source.Action(ctx, actionID)
		if err != nil {
			if errors.Is(err, domain.ErrConfigNotFound) {
				logger.Warn("action not found, skipping", "action_id", actionID)
				continue
			}
			errs = append(errs, fmt.Errorf("load action %d: %w", actionID, err))
			continue
		}
		sender, ok := d.senders[action.Channel]
		if !ok {
			logger.Warn("channel is not configured, skipping action", "action_id", action.ID, "channel", action.Channel)
			continue
		}
		if action.Channel.NeedsRecipients() && !haveList {
			resolved, err = d.resolver.Resolve(ctx, req.Filter.Recipients)
			if err != nil {
				err = fmt.Errorf("resolve recipients: %w", err)
				logger.Error("recipient resolution failed", "action_id", action.ID, "error", err.Error())
				d.recordImmediateFailure(ctx, Delivery{AlertID: req.Alert.ID, Action: action}, err)
				errs = append(errs, err)
				continue
			}
			haveList = true
		}
		deliveries, err := d.plan(req, action, resolved)
		if err != nil {
			err = fmt.Errorf("render action %d: %w", action.ID, err)
			logger.Error("delivery planning failed", "action_id", action.ID, "error", err.Error())
			d.recordImmediateFailure(ctx, Delivery{AlertID: req.Alert.ID, Action: action}, err)
			errs = append(errs, err)
			continue
		}
		// The window is only consumed once deliveries could be planned.
		if !d.admit(ctx, req, action, logger) {
			continue
		}
		if len(deliveries) == 0 {
			logger.Warn("no recipients resolved for action", "action_id", action.ID, "channel", action.Channel)
			d.recordImmediateFailure(ctx, Delivery{AlertID: req.Alert.ID, Action: action}, domain.ErrRecipientResolutionEmpty)
			continue
		}
		for _, delivery := range deliveries {
			d.submit(ctx, sender, delivery)
		}
	}
	return errors.Join(errs...)
}

// admit applies debounce gate; bypass requests refresh the window and always pass.
func (d *Dispatcher) admit(ctx context.Context, req Request, action domain.Action, logger *slog.Logger) bool {
	if d.gate == nil {
		return true
	}
	key := debounce.Key(req.Alert.ID, action.ID)
	if req.Bypass {
		if err := d.gate.Mark(ctx, key, d.opts.Debounce); err != nil {
			logger.Warn("debounce mark failed", "action_id", action.ID, "error", err.Error())
		}
		return true
	}
	allowed, err := d.gate.Allow(ctx, key, d.opts.Debounce)
	if err != nil {
		logger.Warn("debounce gate unavailable, dispatching", "action_id", action.ID, "error", err.Error())
		return true
	}
	if !allowed {
		logger.Debug("dispatch suppressed by debounce", "action_id", action.ID)
	}
	return allowed
}

// enrich fills sensor and area lookup data missing from request.
func (d *Dispatcher) enrich(ctx context.Context, req *Request) {
	if req.Sensor.ID == 0 {
		req.Sensor = domain.Sensor{ID: req.Alert.SensorID, AreaID: req.Alert.AreaID}
		if sensor, err := d.source.Sensor(ctx, req.Alert.SensorID); err == nil {
			req.Sensor = sensor
		}
	}
	if req.Area.Name == "" {
		areaID := req.Area.ID
		if areaID == 0 {
			areaID = req.Alert.AreaID
		}
		req.Area = domain.Area{ID: areaID}
		if area, err := d.source.Area(ctx, areaID); err == nil {
			req.Area = area
		}
	}
}

// plan renders deliveries for one action.
// Params: request, action, and resolved recipients (ignored for webhook).
// Returns: one webhook delivery or one delivery per recipient with channel address.
func (d *Dispatcher) plan(req Request, action domain.Action, resolved []recipients.Recipient) ([]Delivery, error) {
	if !action.Channel.NeedsRecipients() {
		body, err := BuildEnvelope(req, action, d.envSource, d.clock.Now())
		if err != nil {
			return nil, err
		}
		return []Delivery{{AlertID: req.Alert.ID, Action: action, Body: body}}, nil
	}

	templates, err := d.actionTemplates(action)
	if err != nil {
		return nil, err
	}
	targets := recipients.ForChannel(resolved, action.Channel)
	out := make([]Delivery, 0, len(targets))
	for i := range targets {
		recipient := targets[i]
		address, _ := recipient.Address(action.Channel)
		message := Message{
			Alert:     req.Alert,
			Filter:    req.Filter,
			Event:     req.Event,
			Sensor:    req.Sensor,
			Area:      req.Area,
			Action:    action,
			Recipient: recipient,
		}
		subject, err := templatefmt.Render(templates.subject, message)
		if err != nil {
			return nil, err
		}
		body, err := templatefmt.Render(templates.body, message)
		if err != nil {
			return nil, err
		}
		out = append(out, Delivery{
			AlertID:   req.Alert.ID,
			Action:    action,
			Recipient: &recipient,
			Address:   address,
			Subject:   subject,
			Body:      body,
		})
	}
	return out, nil
}

// actionTemplates applies per-action subject/message overrides to channel defaults.
func (d *Dispatcher) actionTemplates(action domain.Action) (channelTemplates, error) {
	templates := d.templates[action.Channel]
	var err error
	if action.Config.Subject != "" {
		if templates.subject, err = templatefmt.ParseNotificationTemplate(fmt.Sprintf("action.%d.subject", action.ID), action.Config.Subject); err != nil {
			return channelTemplates{}, err
		}
	}
	if action.Config.Message != "" {
		if templates.body, err = templatefmt.ParseNotificationTemplate(fmt.Sprintf("action.%d.message", action.ID), action.Config.Message); err != nil {
			return channelTemplates{}, err
		}
	}
	return templates, nil
}

// submit hands delivery to channel pool without blocking.
// Params: caller context (cancellation is detached for the async delivery), sender, and delivery.
// Returns: none; a full backlog is recorded as a failed execution.
func (d *Dispatcher) submit(ctx context.Context, sender ChannelSender, delivery Delivery) {
	detached := context.WithoutCancel(ctx)
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.recordImmediateFailure(detached, delivery, errors.New("dispatcher closed"))
		return
	}
	pool := d.pools[sender.Channel()]
	d.inflight.Add(1)
	accepted := pool.trySubmit(func() {
		defer d.inflight.Done()
		d.deliver(detached, sender, delivery)
	})
	d.mu.RUnlock()
	if !accepted {
		d.inflight.Done()
		d.logger.Warn("dispatch queue full", "alert_id", delivery.AlertID, "action_id", delivery.Action.ID, "channel", sender.Channel())
		d.recordImmediateFailure(detached, delivery, ErrQueueFull)
	}
}

// deliver checks alert status once and runs attempts.
func (d *Dispatcher) deliver(ctx context.Context, sender ChannelSender, delivery Delivery) {
	if d.opts.Status != nil {
		status, exists, err := d.opts.Status(ctx, delivery.AlertID)
		switch {
		case err != nil:
			d.logger.Warn("alert status check failed, delivering", "alert_id", delivery.AlertID, "error", err.Error())
		case !exists || status == domain.AlertStatusResolved || status == domain.AlertStatusSuspended:
			d.logger.Info("delivery skipped for inactive alert", "alert_id", delivery.AlertID, "action_id", delivery.Action.ID, "status", status, "exists", exists)
			return
		}
	}
	_ = d.sendWithRetry(ctx, sender, delivery)
}

// sendWithRetry performs audited attempts with exponential backoff.
// Params: context, sender, and delivery.
// Returns: nil on success or last attempt error.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, delivery Delivery) error {
	maxAttempts := d.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	factor := time.Duration(d.retry.Factor)
	if factor < 1 {
		factor = 1
	}
	backoff := time.Duration(d.retry.InitialMS) * time.Millisecond
	maxRetryAfter := time.Duration(d.retry.MaxRetryAfterSec) * time.Second
	logger := d.logger.With("alert_id", delivery.AlertID, "action_id", delivery.Action.ID, "channel", sender.Channel())
	var timer *time.Timer

	for attempt := 1; ; attempt++ {
		err := d.attempt(ctx, sender, delivery, attempt)
		if err == nil {
			stopTimer(timer)
			if attempt > 1 && d.retry.LogEachAttempt {
				logger.Info("delivery recovered after retries", "attempt", attempt)
			}
			return nil
		}
		if d.retry.LogEachAttempt {
			logger.Warn("delivery attempt failed", "attempt", attempt, "error", err.Error())
		}
		if !domain.IsTransient(err) || attempt >= maxAttempts {
			stopTimer(timer)
			logger.Warn("delivery failed", "attempts", attempt, "error", err.Error())
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		wait := backoff
		if hint := domain.RetryAfterHint(err); hint > 0 {
			wait = hint
			if maxRetryAfter > 0 && wait > maxRetryAfter {
				wait = maxRetryAfter
			}
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer(timer)
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= factor
	}
}

// attempt appends running record, sends with action timeout, and finishes record.
func (d *Dispatcher) attempt(ctx context.Context, sender ChannelSender, delivery Delivery, number int) error {
	record, err := d.ledger.Begin(ctx, domain.ExecutionRecord{
		AlertID:         delivery.AlertID,
		ActionID:        delivery.Action.ID,
		Channel:         sender.Channel(),
		RecipientUserID: delivery.RecipientID(),
		StartedAt:       d.clock.Now(),
		AttemptNumber:   number,
		PayloadSent:     delivery.Body,
	})
	if err != nil {
		d.logger.Error("begin execution record failed", "alert_id", delivery.AlertID, "action_id", delivery.Action.ID, "error", err.Error())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, delivery.Action.Timeout())
	result, sendErr := sender.Send(attemptCtx, delivery)
	if sendErr != nil {
		sendErr = classifyTransportError(attemptCtx, sendErr)
	}
	cancel()

	finished := ledger.Complete(record, d.clock.Now(), result.Response, sendErr)
	if err == nil {
		if finishErr := d.ledger.Finish(ctx, finished); finishErr != nil {
			d.logger.Error("finish execution record failed", "record_id", record.ID, "error", finishErr.Error())
		}
	}
	d.observe(sender.Channel(), finished)
	return sendErr
}

// recordImmediateFailure writes one failed attempt without sending.
func (d *Dispatcher) recordImmediateFailure(ctx context.Context, delivery Delivery, cause error) {
	now := d.clock.Now()
	record, err := d.ledger.Begin(ctx, domain.ExecutionRecord{
		AlertID:         delivery.AlertID,
		ActionID:        delivery.Action.ID,
		Channel:         delivery.Action.Channel,
		RecipientUserID: delivery.RecipientID(),
		StartedAt:       now,
		AttemptNumber:   1,
		PayloadSent:     delivery.Body,
	})
	if err != nil {
		d.logger.Error("begin execution record failed", "alert_id", delivery.AlertID, "error", err.Error())
		return
	}
	finished := ledger.Complete(record, now, "", cause)
	if err := d.ledger.Finish(ctx, finished); err != nil {
		d.logger.Error("finish execution record failed", "record_id", record.ID, "error", err.Error())
	}
	d.observe(delivery.Action.Channel, finished)
}

func (d *Dispatcher) observe(channel domain.Channel, record domain.ExecutionRecord) {
	if d.opts.Observer == nil {
		return
	}
	var duration time.Duration
	if record.DurationMS != nil {
		duration = time.Duration(*record.DurationMS) * time.Millisecond
	}
	d.opts.Observer.ObserveAttempt(channel, record.Status, duration)
}

// Wait blocks until submitted deliveries finish.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Close stops accepting deliveries and drains channel pools.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	for _, pool := range d.pools {
		pool.close()
	}
	d.inflight.Wait()
}

// stopTimer stops timer and drains fired value.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
