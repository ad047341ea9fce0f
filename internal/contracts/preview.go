package contracts

const (
	// MessageTypeReload asks the viewer to refetch the current page.
	MessageTypeReload = "reload"
	// MessageTypeScroll asks the viewer to scroll to a source line.
	MessageTypeScroll = "scroll"
	// MessageTypeGoToLine asks the editor to move its cursor to a source line.
	MessageTypeGoToLine = "go_to_line"
)

// IncomingMessage is the minimal envelope used to route viewer messages.
type IncomingMessage struct {
	Type string `json:"type"`
}

// GoToLineMessage requests a cursor jump in the editor.
type GoToLineMessage struct {
	Type string `json:"type"`
	Line int    `json:"line"`
}

// ReloadMessage tells connected viewers the build output changed.
type ReloadMessage struct {
	Type string `json:"type"`
}

// ScrollMessage carries a zero-based source line for the viewer to reveal.
type ScrollMessage struct {
	Type string `json:"type"`
	Line int    `json:"line"`
}

func NewReload() ReloadMessage {
	return ReloadMessage{Type: MessageTypeReload}
}

func NewScroll(line int) ScrollMessage {
	return ScrollMessage{Type: MessageTypeScroll, Line: line}
}
