package ami

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// Parser reads an AMI byte stream and emits Events.
type Parser struct {
	scanner *bufio.Scanner
	banner  string
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Parser{scanner: s}
}

// Next reads the next event from the stream.
// Returns the event and true if an event was read, or a zero Event and false
// at EOF or on a read error (see Err).
func (p *Parser) Next() (Event, bool) {
	var headers []Header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line marks end of an event block
		if line == "" {
			if len(headers) > 0 {
				return Event{headers: headers}, true
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// The greeting line ("Asterisk Call Manager/5.0.1") has no separator.
			if len(headers) == 0 {
				if p.banner == "" {
					p.banner = line
				}
				continue
			}
			// A bare "Key:" with an empty value.
			if strings.HasSuffix(line, ":") && !strings.Contains(line, " ") {
				headers = append(headers, Header{Key: strings.TrimSuffix(line, ":")})
				continue
			}
			// Command output lines are kept with an empty key.
			headers = append(headers, Header{Key: "", Value: line})
			continue
		}

		headers = append(headers, Header{Key: line[:idx], Value: line[idx+2:]})
	}

	// EOF: return any pending event
	if len(headers) > 0 {
		return Event{headers: headers}, true
	}
	return Event{}, false
}

// Err returns the first non-EOF error encountered by the underlying reader.
func (p *Parser) Err() error {
	return p.scanner.Err()
}

// Banner returns the greeting line sent by the switch, once seen.
func (p *Parser) Banner() string {
	return p.banner
}

// ParseAll reads all events from the stream and returns them.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all events from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(strings.NewReader(string(data))).ParseAll()
}

// Version extracts the protocol version from a greeting line such as
// "Asterisk Call Manager/5.0.1". It returns the input unchanged when there is
// no slash.
func Version(banner string) string {
	if i := strings.LastIndex(banner, "/"); i >= 0 {
		return strings.TrimSpace(banner[i+1:])
	}
	return strings.TrimSpace(banner)
}
