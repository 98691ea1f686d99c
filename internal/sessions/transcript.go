package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// maxTranscriptLine is the longest JSONL line accepted (tool outputs can be large).
const maxTranscriptLine = 8 * 1024 * 1024

// Message is one conversational turn extracted from a transcript.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TranscriptReader reads agent CLI transcripts. JSONL files (one event per line,
// with a message {role, content} where content is a string or a list of blocks)
// yield user and assistant turns; any other file is returned as one message.
type TranscriptReader struct {
	// MaxChars truncates each message text. Zero keeps full texts.
	MaxChars int
}

// Read returns the last n messages of the transcript at path. n <= 0 returns all.
func (r TranscriptReader) Read(path string, n int) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var (
		msgs  []Message
		plain strings.Builder
		jsonl = true
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if jsonl {
			msg, ok, err := decodeLine(line)
			if err != nil {
				jsonl = false
			} else {
				if ok {
					msgs = append(msgs, r.truncate(msg))
				}
				continue
			}
		}
		plain.Write(line)
		plain.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	if !jsonl {
		return []Message{r.truncate(Message{Role: "transcript", Text: strings.TrimSpace(plain.String())})}, nil
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (r TranscriptReader) truncate(m Message) Message {
	if r.MaxChars > 0 && len(m.Text) > r.MaxChars {
		m.Text = m.Text[:r.MaxChars] + "..."
	}
	return m
}

type transcriptLine struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Content json.RawMessage `json:"content"`
}

// decodeLine extracts a message. ok is false for events that carry no text.
func decodeLine(line []byte) (Message, bool, error) {
	var tl transcriptLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return Message{}, false, err
	}
	role, content := tl.Role, tl.Content
	if tl.Message != nil {
		role, content = tl.Message.Role, tl.Message.Content
	}
	if role == "" {
		role = tl.Type
	}
	if role != "user" && role != "assistant" {
		return Message{}, false, nil
	}
	text := contentText(content)
	if text == "" {
		return Message{}, false, nil
	}
	return Message{Role: role, Text: text}, true, nil
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// FormatTranscript renders messages as "role: text" paragraphs.
func FormatTranscript(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}
