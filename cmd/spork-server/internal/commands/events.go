package commands

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spork-protocol/spork-go/pkg/log"
)

// ErrUnknownCategory is returned for a --category value that names no
// event category.
var ErrUnknownCategory = errors.New("unknown event category")

// EventsCmd prints a CBOR connection event log.
type EventsCmd struct {
	File     string `arg:"" type:"existingfile" help:"Event log written by serve --event-log."`
	JSON     bool   `name:"json" help:"Print one JSON object per line."`
	ConnID   string `name:"conn-id" help:"Only events of this connection."`
	Category string `help:"Only events of this category (STATE, HANDSHAKE, ERROR)."`
	Remote   string `help:"Only events from this peer (host or host:port)."`
	Since    string `help:"Only events at or after this RFC 3339 time."`
	Until    string `help:"Only events before this RFC 3339 time."`
	Stats    bool   `help:"Print a summary instead of the events."`
}

// Run streams the matching events to the output.
func (c *EventsCmd) Run(_ context.Context, globals *Globals) error {
	filter, err := c.filter()
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(c.File, filter)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer reader.Close()

	if c.Stats {
		stats, err := collectStats(reader)
		if err != nil {
			return err
		}
		formatStats(globals.Out, stats)
		return nil
	}

	enc := json.NewEncoder(globals.Out)
	for event, err := range reader.All() {
		if errors.Is(err, log.ErrTruncated) {
			globals.Logger.Warn().Err(err).Str("file", c.File).Msg("event log is incomplete")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		if c.JSON {
			if err := enc.Encode(toJSONEvent(event)); err != nil {
				return err
			}
			continue
		}
		formatEvent(globals.Out, event)
	}
	return nil
}

func (c *EventsCmd) filter() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: c.ConnID,
		Remote:       c.Remote,
	}
	if c.Category != "" {
		cat, ok := log.ParseCategory(strings.ToUpper(c.Category))
		if !ok {
			return filter, fmt.Errorf("%w: %q", ErrUnknownCategory, c.Category)
		}
		filter.Category = &cat
	}

	var err error
	if filter.Since, err = parseBound("since", c.Since); err != nil {
		return filter, err
	}
	if filter.Until, err = parseBound("until", c.Until); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseBound(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	conn := "listener"
	if event.ConnectionID != "" {
		conn = "conn:" + shortenConnID(event.ConnectionID)
	}
	fmt.Fprintf(w, "%s [%s] %s", ts, conn, event.Category)
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, " %s", event.RemoteAddr)
	}
	fmt.Fprintln(w)

	switch {
	case event.StateChange != nil:
		sc := event.StateChange
		old := sc.OldState
		if old == "" {
			old = "-"
		}
		fmt.Fprintf(w, "  %s: %s -> %s\n", sc.Entity, old, sc.NewState)
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
		if event.LocalAddr != "" && sc.Entity == log.StateEntityListener {
			fmt.Fprintf(w, "  Local: %s\n", event.LocalAddr)
		}

	case event.Handshake != nil:
		h := event.Handshake
		fmt.Fprintf(w, "  Protocol: %s\n", h.Protocol)
		fmt.Fprintf(w, "  TLS: %s  %s\n", tls.VersionName(h.TLSVersion), tls.CipherSuiteName(h.CipherSuite))
		if h.ServerName != "" {
			fmt.Fprintf(w, "  SNI: %s\n", h.ServerName)
		}
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(h.Duration))

	case event.Error != nil:
		e := event.Error
		fmt.Fprintf(w, "  Stage: %s\n", e.Stage)
		fmt.Fprintf(w, "  Message: %s\n", e.Message)
		if e.Code != nil {
			fmt.Fprintf(w, "  Code: 0x%x\n", *e.Code)
		}
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	default:
		return d.Round(time.Millisecond).String()
	}
}

type jsonEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	ConnectionID string    `json:"conn_id,omitempty"`
	Category     string    `json:"category"`
	RemoteAddr   string    `json:"remote,omitempty"`
	LocalAddr    string    `json:"local,omitempty"`

	Entity   string `json:"entity,omitempty"`
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Protocol    string `json:"protocol,omitempty"`
	TLSVersion  string `json:"tls_version,omitempty"`
	CipherSuite string `json:"cipher_suite,omitempty"`
	ServerName  string `json:"sni,omitempty"`
	DurationUS  int64  `json:"handshake_us,omitempty"`

	Stage     string  `json:"stage,omitempty"`
	Message   string  `json:"error,omitempty"`
	ErrorCode *uint64 `json:"error_code,omitempty"`
}

func toJSONEvent(event log.Event) jsonEvent {
	out := jsonEvent{
		Timestamp:    event.Timestamp.UTC(),
		ConnectionID: event.ConnectionID,
		Category:     event.Category.String(),
		RemoteAddr:   event.RemoteAddr,
		LocalAddr:    event.LocalAddr,
	}
	if sc := event.StateChange; sc != nil {
		out.Entity = sc.Entity.String()
		out.OldState = sc.OldState
		out.NewState = sc.NewState
		out.Reason = sc.Reason
	}
	if h := event.Handshake; h != nil {
		out.Protocol = h.Protocol
		out.TLSVersion = tls.VersionName(h.TLSVersion)
		out.CipherSuite = tls.CipherSuiteName(h.CipherSuite)
		out.ServerName = h.ServerName
		out.DurationUS = h.Duration.Microseconds()
	}
	if e := event.Error; e != nil {
		out.Stage = e.Stage.String()
		out.Message = e.Message
		out.ErrorCode = e.Code
	}
	return out
}

// Stats holds aggregate statistics about an event log.
type Stats struct {
	TotalEvents      int
	EventsByCategory map[log.Category]int
	FinalStates      map[string]int
	Protocols        map[string]int
	Connections      int
	Errors           int
	HandshakeTotal   time.Duration
	HandshakeMax     time.Duration
	Handshakes       int
	Truncated        bool
	TimeRange        struct {
		Start time.Time
		End   time.Time
	}
}

// collectStats drains reader into a Stats summary.
func collectStats(reader *log.Reader) (*Stats, error) {
	stats := &Stats{
		EventsByCategory: make(map[log.Category]int),
		FinalStates:      make(map[string]int),
		Protocols:        make(map[string]int),
	}
	last := make(map[string]string)

	for event, err := range reader.All() {
		if errors.Is(err, log.ErrTruncated) {
			stats.Truncated = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		addToStats(stats, last, event)
	}

	for _, state := range last {
		stats.FinalStates[state]++
	}
	stats.Connections = len(last)
	return stats, nil
}

func addToStats(stats *Stats, last map[string]string, event log.Event) {
	stats.TotalEvents++
	stats.EventsByCategory[event.Category]++

	if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
		stats.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(stats.TimeRange.End) {
		stats.TimeRange.End = event.Timestamp
	}

	switch {
	case event.StateChange != nil:
		if event.StateChange.Entity == log.StateEntityConnection && event.ConnectionID != "" {
			last[event.ConnectionID] = event.StateChange.NewState
		}
	case event.Handshake != nil:
		stats.Handshakes++
		stats.Protocols[event.Handshake.Protocol]++
		stats.HandshakeTotal += event.Handshake.Duration
		if event.Handshake.Duration > stats.HandshakeMax {
			stats.HandshakeMax = event.Handshake.Duration
		}
	case event.Error != nil:
		stats.Errors++
	}
}

// formatStats writes stats in a human-readable format.
func formatStats(w io.Writer, stats *Stats) {
	fmt.Fprintf(w, "Events:      %d\n", stats.TotalEvents)
	if !stats.TimeRange.Start.IsZero() {
		fmt.Fprintf(w, "Time range:  %s - %s (%s)\n",
			stats.TimeRange.Start.UTC().Format(time.RFC3339),
			stats.TimeRange.End.UTC().Format(time.RFC3339),
			stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
	}
	fmt.Fprintf(w, "Connections: %d\n", stats.Connections)
	fmt.Fprintf(w, "Errors:      %d\n", stats.Errors)
	if stats.Truncated {
		fmt.Fprintln(w, "Warning:     log ends in a partial record")
	}

	if len(stats.EventsByCategory) > 0 {
		fmt.Fprintln(w, "\nBy category:")
		cats := make([]log.Category, 0, len(stats.EventsByCategory))
		for c := range stats.EventsByCategory {
			cats = append(cats, c)
		}
		sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
		for _, c := range cats {
			fmt.Fprintf(w, "  %-10s %d\n", c, stats.EventsByCategory[c])
		}
	}

	printCounts(w, "Final connection states:", stats.FinalStates)
	printCounts(w, "Protocols:", stats.Protocols)

	if stats.Handshakes > 0 {
		avg := stats.HandshakeTotal / time.Duration(stats.Handshakes)
		fmt.Fprintf(w, "\nHandshake:   avg %s, max %s\n", formatDuration(avg), formatDuration(stats.HandshakeMax))
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, counts[k])
	}
}
