package replay

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"dronefleet/broker/internal/domain"
)

// TimelineEntry is a single replay datum ready for deterministic iteration.
// Exactly one of Telemetry, Command, or Event is set, selected by Type.
type TimelineEntry struct {
	CapturedAt time.Time
	Type       string
	Telemetry  *domain.TelemetryRecord
	Command    *domain.CommandRecord
	Event      *domain.MissionEvent
}

// Loader rehydrates compressed replay artefacts for audit and validation workflows.
type Loader struct {
	entries []TimelineEntry
}

// Load constructs a loader from the provided replay file path.
func Load(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Frames        []telemetryEntry `json:"frames"`
		CommandFrames []commandEntry   `json:"command_frames"`
		Events        []eventEntry     `json:"events"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(envelope.Frames)+len(envelope.CommandFrames)+len(envelope.Events))

	//1.- Rehydrate telemetry samples so the audit replay can reconstruct live state.
	for _, frame := range envelope.Frames {
		captured, err := time.Parse(time.RFC3339Nano, frame.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse frame captured_at: %w", err)
		}
		rec := frame.Record
		entries = append(entries, TimelineEntry{CapturedAt: captured, Type: "telemetry", Telemetry: &rec})
	}

	//2.- Append dispatched commands so audit replays can reconstruct the control trail.
	for _, frame := range envelope.CommandFrames {
		captured, err := time.Parse(time.RFC3339Nano, frame.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse command_frame captured_at: %w", err)
		}
		rec := frame.Record
		entries = append(entries, TimelineEntry{CapturedAt: captured, Type: "command", Command: &rec})
	}

	//3.- Include mission events so audit logs replay deterministically.
	for _, event := range envelope.Events {
		captured, err := time.Parse(time.RFC3339Nano, event.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		rec := event.Record
		entries = append(entries, TimelineEntry{CapturedAt: captured, Type: "event", Event: &rec})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CapturedAt.Equal(entries[j].CapturedAt) {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].CapturedAt.Before(entries[j].CapturedAt)
	})

	return &Loader{entries: entries}, nil
}

// Replay iterates over the loaded entries in deterministic order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		//1.- Invoke the callback for each timeline entry to drive the audit consumer.
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a defensive copy of the timeline for external assertions.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
