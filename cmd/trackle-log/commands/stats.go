package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/trackle-iot/trackle-go/pkg/log"
)

// Stats aggregates a whole capture file.
type Stats struct {
	TotalEvents       int
	Errors            int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Connections       map[string]*ConnectionStats
	FirstSeen         time.Time
	LastSeen          time.Time
}

// ConnectionStats aggregates one session's records.
type ConnectionStats struct {
	FirstSeen        time.Time
	LastSeen         time.Time
	Events           int
	DeviceID         string
	DiagnosticCount  int
	LastDiagnosticAt time.Time
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Connections:       make(map[string]*ConnectionStats),
	}
}

// observe folds one record into the aggregate.
func (s *Stats) observe(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++
	if event.Error != nil {
		s.Errors++
	}

	if s.FirstSeen.IsZero() || event.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = event.Timestamp
	}
	if event.Timestamp.After(s.LastSeen) {
		s.LastSeen = event.Timestamp
	}

	conn := s.Connections[event.ConnectionID]
	if conn == nil {
		conn = &ConnectionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Connections[event.ConnectionID] = conn
	}
	conn.observe(event)
}

func (c *ConnectionStats) observe(event log.Event) {
	c.Events++
	if event.Timestamp.After(c.LastSeen) {
		c.LastSeen = event.Timestamp
	}
	if c.DeviceID == "" && event.DeviceID != "" {
		c.DeviceID = event.DeviceID
	}
	if event.Diagnostic != nil {
		c.DiagnosticCount++
		if event.Timestamp.After(c.LastDiagnosticAt) {
			c.LastDiagnosticAt = event.Timestamp
		}
	}
}

// RunStats aggregates the capture at path and prints the result to w.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	if err := forEachRecord(reader, func(event log.Event) error {
		stats.observe(event)
		return nil
	}); err != nil {
		return err
	}

	stats.print(w)
	return nil
}

func (s *Stats) print(w io.Writer) {
	fmt.Fprintln(w, "=== Trackle Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			s.FirstSeen.Format(time.RFC3339), s.LastSeen.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.LastSeen.Sub(s.FirstSeen).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", s.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerDTLS, log.LayerCoAP, log.LayerProtocol} {
		printCount(w, layer.String(), s.EventsByLayer[layer])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError, log.CategoryDiagnostic} {
		printCount(w, cat.String(), s.EventsByCategory[cat])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		printCount(w, dir.String(), s.EventsByDirection[dir])
	}
	fmt.Fprintln(w)

	s.printConnections(w)

	if s.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", s.Errors)
	}
}

func printCount(w io.Writer, label string, count int) {
	if count > 0 {
		fmt.Fprintf(w, "  %-12s %d\n", label+":", count)
	}
}

func (s *Stats) printConnections(w io.Writer) {
	fmt.Fprintf(w, "Connections: %d\n", len(s.Connections))
	if len(s.Connections) == 0 {
		return
	}

	ids := make([]string, 0, len(s.Connections))
	for id := range s.Connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.Connections[ids[i]].FirstSeen.Before(s.Connections[ids[j]].FirstSeen)
	})

	fmt.Fprintln(w, "")
	for _, id := range ids {
		conn := s.Connections[id]
		fmt.Fprintf(w, "  [%s] %d events, duration %s\n",
			shortenConnID(id), conn.Events, conn.LastSeen.Sub(conn.FirstSeen).Round(time.Millisecond))
		if conn.DeviceID != "" {
			fmt.Fprintf(w, "           Device: %s\n", conn.DeviceID)
		}
		if conn.DiagnosticCount > 0 {
			fmt.Fprintf(w, "           Diagnostics: %d (last: %s)\n",
				conn.DiagnosticCount, conn.LastDiagnosticAt.Format(time.RFC3339))
		}
	}
}
