package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/trackle-iot/trackle-go/pkg/log"
)

// RunExport converts the capture at path to JSONL or CSV, writing to
// output (stdout when empty).
func RunExport(path, format, output string) error {
	var write func(*log.Reader, io.Writer) error
	switch format {
	case "jsonl":
		write = writeJSONL
	case "csv":
		write = writeCSV
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}

	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return write(reader, w)
}

// forEachRecord applies fn to every record in the capture.
func forEachRecord(reader *log.Reader, fn func(log.Event) error) error {
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

func writeJSONL(reader *log.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	return forEachRecord(reader, func(event log.Event) error {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return nil
	})
}

var csvHeader = []string{"timestamp", "connection_id", "direction", "layer", "category", "device_id", "type", "message_id", "path"}

// csvRow flattens one record into the export columns.
func csvRow(event log.Event) []string {
	eventType := "unknown"
	msgID := ""
	path := ""
	switch {
	case event.Frame != nil:
		eventType = "frame"
	case event.Message != nil:
		eventType = coapTypeName(event.Message.Type)
		msgID = fmt.Sprintf("%d", event.Message.ID)
		path = event.Message.Path
	case event.StateChange != nil:
		eventType = "state"
	case event.ControlMsg != nil:
		eventType = event.ControlMsg.Type.String()
	case event.Diagnostic != nil:
		eventType = "diagnostic"
	case event.Error != nil:
		eventType = "error"
	}

	return []string{
		event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		event.ConnectionID,
		event.Direction.String(),
		event.Layer.String(),
		event.Category.String(),
		event.DeviceID,
		eventType,
		msgID,
		path,
	}
}

func writeCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return forEachRecord(reader, func(event log.Event) error {
		if err := cw.Write(csvRow(event)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
}
