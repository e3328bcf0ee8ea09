package ami

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single AMI line. Variable dumps can be long.
const maxLineSize = 1 << 20

// Parser reads an AMI byte stream and emits Events.
//
// Lines are reassembled by the underlying scanner, so a field split across
// two network reads arrives intact.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Parser{scanner: s}
}

// Next reads the next event from the stream.
// Returns the event and true if an event was read, or a zero Event and false at EOF.
func (p *Parser) Next() (Event, bool) {
	var headers []Header

	for p.scanner.Scan() {
		// AMI uses \r\n; tolerate bare \n.
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
			// "Key:" with an empty value is legal AMI.
			if strings.HasSuffix(line, ":") && !strings.Contains(line, " ") {
				headers = append(headers, Header{Key: strings.TrimSuffix(line, ":"), Value: ""})
				continue
			}
			// The banner has no separator; skip it outside a block.
			if len(headers) == 0 {
				continue
			}
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

// Err returns the first non-EOF error encountered by the underlying scanner.
func (p *Parser) Err() error {
	return p.scanner.Err()
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
