package queue

import (
	"bytes"
	"context"
	"time"

	"github.com/spilledink/mailcore/framework/log"
	"github.com/spilledink/mailcore/internal/coreconfig"
	"github.com/spilledink/mailcore/internal/mailerrors"
	"github.com/spilledink/mailcore/internal/metrics"
	"github.com/spilledink/mailcore/internal/store"
	"github.com/spilledink/mailcore/internal/target/remote"
)

const deliverAction = "deliver"

// LocalDeliverer hands a message off to this server's own mailbox storage
// for a recipient whose domain is locally hosted (spec §4.4's `Local`
// route), bypassing internal/target/remote entirely.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, account uint32, recipient string, messageBlobHash string) error
}

// Engine runs the dequeue loop described in spec §4.4: lock due tasks,
// expire/defer/retry their recipients, group by destination domain, and
// hand each group to internal/target/remote (or a LocalDeliverer).
//
// Grounded on original_source/crates/smtp/src/outbound/delivery.rs's
// QueuedMessage::try_deliver/deliver_task, generalized from Stalwart's
// dedicated queue-event key space onto this tree's store.QueuedTask/
// EnqueueTask/LockDueTasks/DeferTask/CompleteTask façade.
type Engine struct {
	Store  *store.Store
	Target *remote.Target
	Core   *coreconfig.Core
	Local  LocalDeliverer // nil means no account on this server is local

	SenderLimiter *Limiter
	DomainLimiter *Limiter

	Hostname string
	Log      log.Logger

	BatchSize int
}

// New builds an Engine with spec §4.4's default sender/per-domain
// throttles (60/s burst 120, and 20/s burst 40 per destination domain);
// callers may replace SenderLimiter/DomainLimiter after construction.
func New(s *store.Store, target *remote.Target, core *coreconfig.Core, hostname string, logger log.Logger) *Engine {
	return &Engine{
		Store:         s,
		Target:        target,
		Core:          core,
		SenderLimiter: NewLimiter(60, 120),
		DomainLimiter: NewLimiter(20, 40),
		Hostname:      hostname,
		Log:           logger,
		BatchSize:     25,
	}
}

// Submit enqueues a new envelope for delivery, the entry point an
// EmailSubmission create (or internal DSN emission) calls.
func (e *Engine) Submit(ctx context.Context, account uint32, mailFrom, messageBlobHash string, recipients []string, virtualQueue string) (uint64, error) {
	strategy := e.queueStrategy(virtualQueue)
	now := time.Now()
	env := &Envelope{
		AccountID:       account,
		MailFrom:        mailFrom,
		MessageBlobHash: messageBlobHash,
		VirtualQueue:    virtualQueue,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(strategy.ExpiryS) * time.Second),
	}
	for _, r := range recipients {
		env.Recipients = append(env.Recipients, Recipient{Address: r, State: RecipStateScheduled})
	}

	id, err := e.Store.EnqueueTask(ctx, account, 0, deliverAction, now, "", env.encode())
	if err != nil {
		return 0, err
	}
	env.ID = id
	metrics.QueueDepth.WithLabelValues(virtualQueue).Inc()
	return id, e.Store.DeferTask(ctx, id, now, env.encode())
}

// Cancel implements the EmailSubmission undoStatus=Canceled transition
// (spec §4.4's "Cancellation" paragraph): it removes the queued task
// outright, but only while it is still unlocked. A task already claimed by
// RunOnce (and thus mid-delivery) is left alone and this returns
// mailerrors.ErrCannotUnsend.
func (e *Engine) Cancel(ctx context.Context, id uint64) error {
	return e.Store.CancelTask(ctx, id)
}

// RunOnce claims up to BatchSize due tasks and drives each one through
// one delivery attempt. It returns the number of tasks processed.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	tasks, err := e.Store.LockDueTasks(ctx, deliverAction, e.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		e.processTask(ctx, t)
	}
	return len(tasks), nil
}

// Run drives RunOnce on a fixed tick until ctx is canceled, the teacher's
// plain ticker-loop pattern for background maintenance tasks.
func (e *Engine) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				e.Log.Error("queue run_once failed", err)
			}
		}
	}
}

func (e *Engine) queueStrategy(name string) coreconfig.QueueStrategy {
	snap := e.Core.Load()
	if snap != nil {
		if s, ok := snap.VirtualQueues[name]; ok {
			return s
		}
	}
	return coreconfig.DefaultQueueStrategy(name)
}

func (e *Engine) processTask(ctx context.Context, task store.QueuedTask) {
	env, err := decodeEnvelope(task.Payload)
	if err != nil {
		e.Log.Error("queue: corrupt envelope, dropping", err, "task_id", task.ID)
		_ = e.Store.CompleteTask(ctx, task.ID)
		return
	}

	strategy := e.queueStrategy(env.VirtualQueue)

	// Step: expire recipients past their deadline (spec §4.4 step 4).
	now := time.Now()
	if now.After(env.ExpiresAt) {
		for i := range env.Recipients {
			if env.Recipients[i].State == RecipStateScheduled || env.Recipients[i].State == RecipStateTempFail {
				env.Recipients[i].State = RecipStateExpired
				env.Recipients[i].LastError = "message expired"
			}
		}
	}

	e.sendPendingDSNs(ctx, env)

	pending := env.pendingRecipients()
	if len(pending) == 0 {
		_ = e.Store.CompleteTask(ctx, task.ID)
		metrics.QueueDepth.WithLabelValues(env.VirtualQueue).Dec()
		return
	}

	if !e.SenderLimiter.Allow(env.MailFrom) {
		e.reschedule(ctx, task.ID, env, e.SenderLimiter.RetryAt(env.MailFrom))
		return
	}

	header, body, err := e.loadMessage(ctx, env.MessageBlobHash)
	if err != nil {
		e.Log.Error("queue: failed to load message blob", err, "task_id", task.ID)
		e.reschedule(ctx, task.ID, env, now.Add(nextRetryDelay(strategy, 1)))
		return
	}

	groups := remote.GroupByDomain(pending)
	maxAttempts := 0
	for domain, rcpts := range groups {
		if !e.DomainLimiter.Allow(domain) {
			continue // left Scheduled; retried when the task next comes due
		}

		snap := e.Core.Load()
		route := coreconfig.RouteMX
		tlsPolicy := coreconfig.TLSPolicy{}
		relayHost := ""
		if snap != nil {
			if snap.RouteOf != nil {
				route = snap.RouteOf(env.MailFrom, domain)
			}
			if snap.TLSPolicyOf != nil {
				tlsPolicy = snap.TLSPolicyOf(domain)
			}
			if route == coreconfig.RouteRelay && snap.RelayHostOf != nil {
				relayHost = snap.RelayHostOf(domain)
			}
		}

		if route == coreconfig.RouteLocal && e.Local != nil {
			for _, rcpt := range rcpts {
				r := env.recipient(rcpt)
				if err := e.Local.DeliverLocal(ctx, env.AccountID, rcpt, env.MessageBlobHash); err != nil {
					e.markOutcome(r, err)
					if r.Attempts > maxAttempts {
						maxAttempts = r.Attempts
					}
				} else {
					r.State = RecipStateDelivered
					metrics.DeliveryAttempts.WithLabelValues("completed").Inc()
				}
			}
			continue
		}

		outcomes := e.Target.Deliver(ctx, domain, remote.Attempt{
			MailFrom:   env.MailFrom,
			Recipients: rcpts,
			TLSPolicy:  tlsPolicy,
			RelayHost:  relayHost,
		}, bytes.NewReader(header), int64(len(header)), bytes.NewReader(body))

		for _, o := range outcomes {
			r := env.recipient(o.Recipient)
			if r == nil {
				continue
			}
			if o.Err == nil {
				r.State = RecipStateDelivered
				metrics.DeliveryAttempts.WithLabelValues("completed").Inc()
				continue
			}
			e.markOutcome(r, o.Err)
			if r.Attempts > maxAttempts {
				maxAttempts = r.Attempts
			}
		}
	}

	stillPending := env.pendingRecipients()
	if len(stillPending) == 0 {
		e.sendPendingDSNs(ctx, env)
		_ = e.Store.CompleteTask(ctx, task.ID)
		metrics.QueueDepth.WithLabelValues(env.VirtualQueue).Dec()
		return
	}
	metrics.DeliveryAttempts.WithLabelValues("deferred").Inc()
	e.reschedule(ctx, task.ID, env, now.Add(nextRetryDelay(strategy, maxAttempts)))
}

func (e *Engine) markOutcome(r *Recipient, err error) {
	r.LastError = err.Error()
	r.Attempts++
	if mailerrors.IsTemporary(err) {
		r.State = RecipStateTempFail
		metrics.DeliveryAttempts.WithLabelValues("temp_fail").Inc()
		return
	}
	r.State = RecipStatePermFail
	metrics.DeliveryAttempts.WithLabelValues("perm_fail").Inc()
}

func (e *Engine) reschedule(ctx context.Context, taskID uint64, env *Envelope, due time.Time) {
	if err := e.Store.DeferTask(ctx, taskID, due, env.encode()); err != nil {
		e.Log.Error("queue: failed to reschedule task", err, "task_id", taskID)
	}
}

// sendPendingDSNs implements spec §4.4 step 3: emit a delay notice for
// recipients past their notify cadence, and a final-failure notice for
// recipients that just reached a terminal failure state.
func (e *Engine) sendPendingDSNs(ctx context.Context, env *Envelope) {
	strategy := e.queueStrategy(env.VirtualQueue)

	var delayed, failed []Recipient
	for i := range env.Recipients {
		r := &env.Recipients[i]
		switch r.State {
		case RecipStateScheduled, RecipStateTempFail:
			due, next := dueNotify(strategy, env.CreatedAt, delayNotifyCount(r))
			if due {
				r.DelayNotified = true
				_ = next
				delayed = append(delayed, *r)
			}
		case RecipStatePermFail, RecipStateExpired:
			if !r.DelayNotified || r.LastError != "" {
				if !recipientFinalNotified(r) {
					failed = append(failed, *r)
					markFinalNotified(r)
				}
			}
		}
	}

	if env.MailFrom == "" {
		// "<>" sender: a DSN about a DSN must never be generated (loop
		// prevention per RFC 3464 §2).
		return
	}

	if len(delayed) > 0 {
		if raw, err := renderDSN(DSNDelay, e.Hostname, env.MailFrom, "Delivery Status Notification (Delay)", delayed); err == nil {
			e.injectDSN(ctx, env.AccountID, env.MailFrom, raw)
		}
	}
	if len(failed) > 0 {
		if raw, err := renderDSN(DSNFailure, e.Hostname, env.MailFrom, "Delivery Status Notification (Failure)", failed); err == nil {
			e.injectDSN(ctx, env.AccountID, env.MailFrom, raw)
		}
	}
}

// injectDSN stores the rendered DSN as a blob and submits it as a new
// envelope addressed back to the original sender, with an empty
// MAIL FROM (the standard null reverse-path for DSNs, RFC 3464 §2).
func (e *Engine) injectDSN(ctx context.Context, account uint32, sender string, raw []byte) {
	hash, err := e.Store.PutBlob(ctx, raw)
	if err != nil {
		e.Log.Error("queue: failed to store DSN blob", err)
		return
	}
	if _, err := e.Submit(ctx, account, "", hash, []string{sender}, "dsn"); err != nil {
		e.Log.Error("queue: failed to submit DSN envelope", err)
	}
}

func (e *Engine) loadMessage(ctx context.Context, hash string) (header, body []byte, err error) {
	raw, _, err := e.Store.GetBlob(ctx, hash, 0, -1)
	if err != nil {
		return nil, nil, err
	}
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx+4], raw[idx+4:], nil
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx+2], raw[idx+2:], nil
	}
	return raw, nil, nil
}

// delayNotifyCount/recipientFinalNotified/markFinalNotified track DSN
// idempotency: delayNotifyCount derives the number of delay notices
// already sent from the DelayNotified bool, so it never reports more than
// one, while the separate FinalNotified bool records the final-failure
// notice.
func delayNotifyCount(r *Recipient) int {
	if r.DelayNotified {
		return 1
	}
	return 0
}

func recipientFinalNotified(r *Recipient) bool { return r.FinalNotified }

func markFinalNotified(r *Recipient) { r.FinalNotified = true }
