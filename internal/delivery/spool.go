// Package delivery holds the delivery sinks and notifiers the engine hands
// released payloads and reminders to.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"dms-go/internal/dms"
	"dms-go/internal/fsutil"
)

// SpoolSink writes each delivery to <dir>/<switchID>.json for an outside
// mailer to pick up. A switch is written at most once; delivering it again
// is a no-op, so retries after a crash cannot duplicate a release.
type SpoolSink struct {
	dir   string
	clock dms.Clock
}

var _ dms.DeliverySink = (*SpoolSink)(nil)

// spoolEntry is the on-disk form of a delivery.
type spoolEntry struct {
	SwitchID    string                 `json:"switch_id"`
	Recipients  dms.RecipientsMetadata `json:"recipients"`
	Payload     []byte                 `json:"payload"`
	DeliveredAt time.Time              `json:"delivered_at"`
}

// NewSpoolSink creates the spool directory if needed.
func NewSpoolSink(dir string, clock dms.Clock) (*SpoolSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &SpoolSink{dir: dir, clock: clock}, nil
}

func (s *SpoolSink) Deliver(ctx context.Context, d dms.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !safeName(d.SwitchID) {
		return fmt.Errorf("refusing to spool switch id %q", d.SwitchID)
	}

	destPath := filepath.Join(s.dir, d.SwitchID+".json")
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(spoolEntry{
		SwitchID:    d.SwitchID,
		Recipients:  d.Recipients,
		Payload:     d.Payload,
		DeliveredAt: s.clock.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding delivery: %w", err)
	}
	return fsutil.WriteFileAtomic(destPath, data, 0600)
}

// ReadSpooled loads a spooled delivery back, for inspection and tests.
func ReadSpooled(dir, switchID string) (*dms.Delivery, error) {
	data, err := os.ReadFile(filepath.Join(dir, switchID+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading spooled delivery: %w", err)
	}
	var e spoolEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding spooled delivery: %w", err)
	}
	return &dms.Delivery{SwitchID: e.SwitchID, Recipients: e.Recipients, Payload: e.Payload}, nil
}

// SpoolNotifier appends reminders and trigger notices as JSON lines to
// <dir>/notifications.jsonl.
type SpoolNotifier struct {
	path string
	mu   sync.Mutex
}

var _ dms.Notifier = (*SpoolNotifier)(nil)

type notification struct {
	Type        string    `json:"type"` // "reminder" or "triggered"
	SwitchID    string    `json:"switch_id"`
	AccountID   string    `json:"account_id"`
	Title       string    `json:"title,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Deadline    time.Time `json:"deadline"`
	CheckInCode string    `json:"check_in_code,omitempty"`
	At          time.Time `json:"at"`
}

func NewSpoolNotifier(dir string) (*SpoolNotifier, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &SpoolNotifier{path: filepath.Join(dir, "notifications.jsonl")}, nil
}

func (n *SpoolNotifier) Remind(_ context.Context, r dms.Reminder) error {
	return n.append(notification{
		Type:        "reminder",
		SwitchID:    r.SwitchID,
		AccountID:   r.AccountID,
		Title:       r.Title,
		Stage:       string(r.Stage),
		Deadline:    r.Deadline,
		CheckInCode: r.CheckInCode,
	})
}

func (n *SpoolNotifier) Triggered(_ context.Context, notice dms.Notice) error {
	return n.append(notification{
		Type:      "triggered",
		SwitchID:  notice.SwitchID,
		AccountID: notice.AccountID,
		Title:     notice.Title,
		At:        notice.At,
	})
}

func (n *SpoolNotifier) append(v notification) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(n.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening notification spool: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing notification: %w", err)
	}
	return nil
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
