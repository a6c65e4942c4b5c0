package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogHandler writes published events to a writer as structured log output.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[workflow:step:completed] workflow=monthly_close source=executor payload={"step_id":"post"}
//
// Subscribe its Handle method for the events of interest:
//
//	lh := event.NewLogHandler(os.Stdout, false)
//	bus.SubscribePattern("workflow:*", lh.Handle)
type LogHandler struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogHandler creates a LogHandler. A nil writer defaults to stdout.
func NewLogHandler(writer io.Writer, jsonMode bool) *LogHandler {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogHandler{writer: writer, jsonMode: jsonMode}
}

// Handle writes one event in the configured format. It is a Handler and
// can be passed to Bus.Subscribe or Bus.SubscribePattern directly.
func (l *LogHandler) Handle(e Event) {
	if l.jsonMode {
		l.writeJSON(e)
		return
	}
	l.writeText(e)
}

func (l *LogHandler) writeJSON(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogHandler) writeText(e Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s source=%s", e.Type, e.WorkflowType, e.Source)

	if e.Payload != nil {
		if payloadJSON, err := json.Marshal(e.Payload); err == nil {
			fmt.Fprintf(l.writer, " payload=%s", payloadJSON)
		}
	}
	if len(e.Metadata) > 0 {
		if metaJSON, err := json.Marshal(e.Metadata); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
