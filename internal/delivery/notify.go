package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dms-go/internal/dms"
	"dms-go/internal/wire"
)

// LogSink only logs deliveries. It is meant for demos: the payload never
// leaves the process.
type LogSink struct {
	logger dms.Logger
}

var _ dms.DeliverySink = (*LogSink)(nil)

func NewLogSink(logger dms.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, d dms.Delivery) error {
	s.logger.Info("delivery", "switch", d.SwitchID, "account", d.Recipients.AccountID,
		"title", d.Recipients.Title, "recipients", d.Recipients.Count, "bytes", len(d.Payload))
	return nil
}

// LogNotifier writes reminders and trigger notices to the log.
type LogNotifier struct {
	logger dms.Logger
}

var _ dms.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger dms.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Remind(_ context.Context, r dms.Reminder) error {
	n.logger.Info("reminder", "switch", r.SwitchID, "account", r.AccountID, "title", r.Title,
		"stage", r.Stage, "deadline", r.Deadline, "code", r.CheckInCode)
	return nil
}

func (n *LogNotifier) Triggered(_ context.Context, notice dms.Notice) error {
	n.logger.Info("switch triggered", "switch", notice.SwitchID, "account", notice.AccountID,
		"title", notice.Title, "at", notice.At)
	return nil
}

// RelayNotifier publishes signed, ephemeral reminder and trigger events to
// the relays of the switch, where the owner's client can watch for them.
// Check-in codes are never published. A notice counts as sent if at least
// one relay accepted it.
type RelayNotifier struct {
	client dms.RelayClient
	signer *wire.Signer
	clock  dms.Clock
}

var _ dms.Notifier = (*RelayNotifier)(nil)

func NewRelayNotifier(client dms.RelayClient, signer *wire.Signer, clock dms.Clock) *RelayNotifier {
	return &RelayNotifier{client: client, signer: signer, clock: clock}
}

func (n *RelayNotifier) Remind(ctx context.Context, r dms.Reminder) error {
	return n.broadcast(ctx, wire.NewReminderEvent(r.SwitchID, string(r.Stage), n.clock.Now()), r.RelayURLs)
}

func (n *RelayNotifier) Triggered(ctx context.Context, notice dms.Notice) error {
	return n.broadcast(ctx, wire.NewTriggerEvent(notice.SwitchID, notice.At), notice.RelayURLs)
}

func (n *RelayNotifier) broadcast(ctx context.Context, ev *wire.Event, relays []string) error {
	if len(relays) == 0 {
		return nil
	}
	if err := n.signer.Sign(ev); err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, url := range relays {
		wg.Go(func() {
			if err := n.client.Publish(ctx, url, ev); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(errs) == len(relays) {
		return fmt.Errorf("no relay accepted the notice: %w", errors.Join(errs...))
	}
	return nil
}

// MultiNotifier fans out to several notifiers and joins their errors.
type MultiNotifier []dms.Notifier

var _ dms.Notifier = MultiNotifier(nil)

func (m MultiNotifier) Remind(ctx context.Context, r dms.Reminder) error {
	var errs []error
	for _, n := range m {
		if err := n.Remind(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) Triggered(ctx context.Context, notice dms.Notice) error {
	var errs []error
	for _, n := range m {
		if err := n.Triggered(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
