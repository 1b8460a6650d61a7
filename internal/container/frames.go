package container

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

type FrameType string

const (
	// FrameResult carries user-visible agent output.
	FrameResult FrameType = "result"
	// FrameIdle marks the end of a turn; the agent waits for more input.
	FrameIdle FrameType = "idle"
	// FrameError reports an agent-side failure for the current turn.
	FrameError FrameType = "error"
	// FrameSession announces the agent session id for resume.
	FrameSession FrameType = "session"
)

// Frame is one JSON line written by the agent on stdout.
type Frame struct {
	Type      FrameType `json:"type"`
	Text      string    `json:"text,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Input is one JSON line written to the agent on stdin.
type Input struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Group     string `json:"group,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	InputPrompt  = "prompt"
	InputMessage = "message"
)

const maxFrameBytes = 4 << 20

// readFrames decodes stdout until EOF. Lines that are not frames go to raw.
func readFrames(r io.Reader, frame func(Frame), raw func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f Frame
		if line[0] != '{' || json.Unmarshal([]byte(line), &f) != nil || f.Type == "" {
			if raw != nil {
				raw(line)
			}
			continue
		}
		frame(f)
	}
	return sc.Err()
}
