// Package commands implements the trackle-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/trackle-iot/trackle-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)
	dir := event.Direction.String()

	var typeLabel string
	switch {
	case event.Frame != nil:
		typeLabel = "Frame"
	case event.Message != nil:
		typeLabel = coapTypeName(event.Message.Type)
	case event.StateChange != nil:
		typeLabel = "State"
	case event.ControlMsg != nil:
		typeLabel = event.ControlMsg.Type.String()
	case event.Diagnostic != nil:
		typeLabel = "Diagnostic"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	layerStr := event.Layer.String()
	if event.Category == log.CategoryControl {
		layerStr = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, connID, dir, layerStr, typeLabel)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.ControlMsg != nil:
		// Control messages are simple, no extra details needed
	case event.Diagnostic != nil:
		formatDiagnosticDetails(w, event.Diagnostic)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w) // Blank line between events
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// coapTypeName renders the raw CoAP message type byte.
func coapTypeName(t uint8) string {
	switch t {
	case 0:
		return "CON"
	case 1:
		return "NON"
	case 2:
		return "ACK"
	case 3:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

// coapCodeName renders a packed class.detail CoAP code.
func coapCodeName(code uint8) string {
	return fmt.Sprintf("%d.%02d", code>>5, code&0x1F)
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	fmt.Fprintf(w, "  MessageID: %d\n", msg.ID)
	fmt.Fprintf(w, "  Code: %s\n", coapCodeName(msg.Code))
	if msg.Path != "" {
		fmt.Fprintf(w, "  Path: /%s\n", msg.Path)
	}
	if msg.TokenLen > 0 {
		fmt.Fprintf(w, "  Token: %d bytes\n", msg.TokenLen)
	}
	if msg.PayloadLen > 0 {
		fmt.Fprintf(w, "  Payload: %d bytes\n", msg.PayloadLen)
	}
	if msg.ProcessingTime != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*msg.ProcessingTime))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  Transition: %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  State: %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatDiagnosticDetails(w io.Writer, d *log.DiagnosticEvent) {
	fmt.Fprintf(w, "  Records: %d\n", len(d.Records))
	for _, r := range d.Records {
		fmt.Fprintf(w, "    %#04x = %d\n", r.Key, r.Value)
	}
}

func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", e.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}

// formatDuration renders a duration compactly (microseconds under 1ms).
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dus", d.Microseconds())
	}
	return d.String()
}

// ParseLayerFlag parses a layer name from the command line.
func ParseLayerFlag(s string) (log.Layer, error) {
	return parseLayer(s)
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "dtls":
		return log.LayerDTLS, nil
	case "coap":
		return log.LayerCoAP, nil
	case "protocol":
		return log.LayerProtocol, nil
	default:
		return 0, fmt.Errorf("unknown layer %q (transport, dtls, coap, protocol)", s)
	}
}

// ParseDirectionFlag parses a direction name from the command line.
func ParseDirectionFlag(s string) (log.Direction, error) {
	return parseDirection(s)
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (in, out)", s)
	}
}

// ParseCategoryFlag parses a category name from the command line.
func ParseCategoryFlag(s string) (log.Category, error) {
	return parseCategory(s)
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	case "diagnostic":
		return log.CategoryDiagnostic, nil
	default:
		return 0, fmt.Errorf("unknown category %q (message, control, state, error, diagnostic)", s)
	}
}

// RunView reads the log file and writes matching events to w.
func RunView(path string, filter ViewFilter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, log.Filter{
		Layer:     filter.Layer,
		Direction: filter.Direction,
		Category:  filter.Category,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(w, event)
		count++
	}

	fmt.Fprintf(w, "%d events\n", count)
	return nil
}
