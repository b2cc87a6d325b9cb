package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"dms-go/internal/fsutil"
	"dms-go/internal/wire"
)

// FileSystemTransport serves file:///root relays. Events are stored as
// CBOR files:
//
//	<root>/
//	  events/
//	    <id>.cbor
type FileSystemTransport struct{}

var _ Transport = FileSystemTransport{}

func eventsDir(u *url.URL) (string, error) {
	if u.Path == "" {
		return "", fmt.Errorf("file relay %s has no path", u.String())
	}
	return filepath.Join(filepath.FromSlash(u.Path), "events"), nil
}

// Publish writes the event atomically. Publishing the same id again is a no-op.
func (FileSystemTransport) Publish(ctx context.Context, u *url.URL, ev *wire.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := eventsDir(u)
	if err != nil {
		return err
	}
	if !validID(ev.ID) {
		return fmt.Errorf("refusing event with malformed id %q", ev.ID)
	}
	if ids := wire.DeletedIDs(ev); ids != nil {
		return deleteFiles(dir, ev.PubKey, ids)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}

	destPath := filepath.Join(dir, ev.ID+".cbor")
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	data, err := wire.MarshalCBOR(ev)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(destPath, data, 0644)
}

// deleteFiles removes the named events that pubkey signed.
func deleteFiles(dir, pubkey string, ids []string) error {
	for _, id := range ids {
		if !validID(id) {
			continue
		}
		path := filepath.Join(dir, id+".cbor")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		ev, err := wire.UnmarshalCBOR(data)
		if err != nil || ev.PubKey != pubkey {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}

func (FileSystemTransport) Query(ctx context.Context, u *url.URL, f wire.Filter) ([]*wire.Event, error) {
	dir, err := eventsDir(u)
	if err != nil {
		return nil, err
	}

	var names []string
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if validID(id) {
				names = append(names, id+".cbor")
			}
		}
	} else {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".cbor") {
				names = append(names, e.Name())
			}
		}
	}

	var out []*wire.Event
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		ev, err := wire.UnmarshalCBOR(data)
		if err != nil {
			// A corrupt file is skipped like any other bad record.
			continue
		}
		if f.Matches(ev) {
			out = append(out, ev)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// validID accepts only lowercase hex ids so an id can never name a path
// outside the events directory.
func validID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
