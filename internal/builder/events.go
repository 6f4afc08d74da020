package builder

import (
	"context"
	"log/slog"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

// EventKind identifies a builder decision.
type EventKind int

const (
	EventEdgeAccepted EventKind = iota
	EventEdgeDuplicate
	EventSkippedOutsideFile
	EventSkippedUnresolved
	EventSkippedNoCaller
	EventFinished
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case EventEdgeAccepted:
		return "edge_accepted"
	case EventEdgeDuplicate:
		return "edge_duplicate"
	case EventSkippedOutsideFile:
		return "skipped_outside_file"
	case EventSkippedUnresolved:
		return "skipped_unresolved"
	case EventSkippedNoCaller:
		return "skipped_no_caller"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event describes one builder decision.
type Event struct {
	Kind EventKind

	// Caller and Callee are canonical names, set when known.
	Caller string
	Callee string

	// CallerID and CalleeID are set for accepted and duplicate edges.
	CallerID int
	CalleeID int

	// Range is the call site range (call events only).
	Range graph.Range

	// Symbols and Edges are the final totals (EventFinished only).
	Symbols int
	Edges   int
}

// Observer receives builder events synchronously.
type Observer func(Event)

// Stats counts builder events.
type Stats struct {
	Accepted    int
	Duplicates  int
	OutsideFile int
	Unresolved  int
	NoCaller    int
}

// Observe returns an Observer that accumulates into s.
func (s *Stats) Observe() Observer {
	return func(ev Event) {
		switch ev.Kind {
		case EventEdgeAccepted:
			s.Accepted++
		case EventEdgeDuplicate:
			s.Duplicates++
		case EventSkippedOutsideFile:
			s.OutsideFile++
		case EventSkippedUnresolved:
			s.Unresolved++
		case EventSkippedNoCaller:
			s.NoCaller++
		case EventFinished:
		}
	}
}

// LogObserver returns an Observer that writes events to logger at debug
// level.
func LogObserver(logger *slog.Logger, file string) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev Event) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		attrs := []any{slog.String("file", file), slog.String("event", ev.Kind.String())}
		switch ev.Kind {
		case EventEdgeAccepted, EventEdgeDuplicate:
			attrs = append(attrs,
				slog.String("caller", ev.Caller),
				slog.String("callee", ev.Callee),
				slog.Int("caller_id", ev.CallerID),
				slog.Int("callee_id", ev.CalleeID))
		case EventSkippedNoCaller:
			attrs = append(attrs, slog.String("callee", ev.Callee))
		case EventFinished:
			attrs = append(attrs, slog.Int("symbols", ev.Symbols), slog.Int("edges", ev.Edges))
		case EventSkippedOutsideFile, EventSkippedUnresolved:
			attrs = append(attrs, slog.Int("start", int(ev.Range.Start)), slog.Int("end", int(ev.Range.End)))
		}
		logger.Debug("call graph event", attrs...)
	}
}
