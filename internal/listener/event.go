// Package listener accepts the runner agent's connection and decodes its event stream.
package listener

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names one event variant on the wire.
type Kind string

const (
	KindPID          Kind = "pid"
	KindPort         Kind = "port"
	KindStartSuite   Kind = "start_suite"
	KindEndSuite     Kind = "end_suite"
	KindStartTest    Kind = "start_test"
	KindEndTest      Kind = "end_test"
	KindStartKeyword Kind = "start_keyword"
	KindEndKeyword   Kind = "end_keyword"
	KindMessage      Kind = "message"
	KindLogMessage   Kind = "log_message"
	KindOutputFile   Kind = "output_file"
	KindLogFile      Kind = "log_file"
	KindReportFile   Kind = "report_file"
	KindSummaryFile  Kind = "summary_file"
	KindDebugFile    Kind = "debug_file"
	KindPaused       Kind = "paused"
	KindContinue     Kind = "continue"
	KindClose        Kind = "close"
)

var knownKinds = map[Kind]struct{}{
	KindPID: {}, KindPort: {}, KindStartSuite: {}, KindEndSuite: {}, KindStartTest: {},
	KindEndTest: {}, KindStartKeyword: {}, KindEndKeyword: {}, KindMessage: {},
	KindLogMessage: {}, KindOutputFile: {}, KindLogFile: {}, KindReportFile: {},
	KindSummaryFile: {}, KindDebugFile: {}, KindPaused: {}, KindContinue: {}, KindClose: {},
}

// ParseKind maps a wire name to a known Kind.
func ParseKind(name string) (Kind, bool) {
	kind := Kind(strings.TrimSpace(name))
	_, ok := knownKinds[kind]
	return kind, ok
}

// IsArtifact reports whether the event announces a produced file.
func (k Kind) IsArtifact() bool {
	switch k {
	case KindOutputFile, KindLogFile, KindReportFile, KindSummaryFile, KindDebugFile:
		return true
	default:
		return false
	}
}

// Well-known attribute keys.
const (
	AttrLongName    = "longname"
	AttrStatus      = "status"
	AttrMessage     = "message"
	AttrLevel       = "level"
	AttrStartTime   = "starttime"
	AttrEndTime     = "endtime"
	AttrControlPort = "control_port"
)

// Event is one decoded record from the agent.
type Event struct {
	Kind Kind
	// Name is the leading string argument: suite, test or keyword name, or an artifact path.
	Name string
	// Args holds every positional argument after normalization.
	Args []any
	// Attrs is the trailing mapping argument, if any.
	Attrs map[string]any
	// Synthetic marks a close the server generated itself.
	Synthetic bool
	// Err explains a synthetic close caused by a protocol or accept failure.
	Err error
}

func newEvent(kind Kind, args []any) Event {
	event := Event{Kind: kind, Args: args}
	if len(args) > 0 {
		if name, ok := args[0].(string); ok {
			event.Name = name
		}
	}
	for i := len(args) - 1; i >= 0; i-- {
		if attrs, ok := args[i].(map[string]any); ok {
			event.Attrs = attrs
			break
		}
	}
	return event
}

// Attr returns the attribute rendered as a string, or "" when absent.
func (e Event) Attr(key string) string {
	value, ok := e.Attrs[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

// LongName returns the longname attribute.
func (e Event) LongName() string { return e.Attr(AttrLongName) }

// Status returns the upper-cased status attribute.
func (e Event) Status() string { return strings.ToUpper(strings.TrimSpace(e.Attr(AttrStatus))) }

// Message returns the message attribute.
func (e Event) Message() string { return e.Attr(AttrMessage) }

// Level returns the level attribute.
func (e Event) Level() string { return e.Attr(AttrLevel) }

// Int returns the first argument as an integer, as carried by pid and port.
func (e Event) Int() (int, bool) {
	if len(e.Args) == 0 {
		return 0, false
	}
	return asInt(e.Args[0])
}

// ControlPort returns the control port a handshake event carries.
func (e Event) ControlPort() (int, bool) {
	switch e.Kind {
	case KindPort:
		return e.Int()
	case KindStartSuite:
		value, ok := e.Attrs[AttrControlPort]
		if !ok {
			return 0, false
		}
		return asInt(value)
	default:
		return 0, false
	}
}

func (e Event) String() string {
	if e.Name == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Name)
}

func asInt(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int(typed), true
		}
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
