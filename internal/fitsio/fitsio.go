// Package fitsio reads and rewrites primary FITS headers so captures can
// be enriched with observation context before upload. Only the header is
// touched; image data blocks pass through untouched.
package fitsio

import (
	"fmt"
	"os"
	"strings"
)

// FITS files are organized in fixed-size blocks of 80-character cards.
const (
	BlockSize = 2880
	CardSize  = 80
)

// Card is one header record.
type Card struct {
	Key     string
	Value   string // formatted FITS value, e.g. "'text'" or "123" or "T"
	Comment string
}

// Header is an ordered primary header. Order matters: SIMPLE must stay
// first and END terminates the header on disk.
type Header struct {
	Cards []Card
}

// Get returns the raw value of a keyword.
func (h *Header) Get(key string) (string, bool) {
	for _, c := range h.Cards {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// GetString returns a string-typed keyword with FITS quoting stripped.
// Doubled quotes inside the value are the FITS escape for a single
// quote.
func (h *Header) GetString(key string) (string, bool) {
	v, ok := h.Get(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "'") {
		return v, true
	}
	var sb strings.Builder
	for i := 1; i < len(v); i++ {
		if v[i] == '\'' {
			if i+1 < len(v) && v[i+1] == '\'' {
				sb.WriteByte('\'')
				i++
				continue
			}
			break
		}
		sb.WriteByte(v[i])
	}
	return strings.TrimRight(sb.String(), " "), true
}

// Set updates a keyword in place or appends it before END.
func (h *Header) Set(key, value, comment string) {
	for i := range h.Cards {
		if h.Cards[i].Key == key {
			h.Cards[i].Value = value
			h.Cards[i].Comment = comment
			return
		}
	}
	h.Cards = append(h.Cards, Card{Key: key, Value: value, Comment: comment})
}

// SetString sets a FITS string value, quoting and truncating to fit one
// card.
func (h *Header) SetString(key, value, comment string) {
	if len(value) > 60 {
		value = value[:60]
	}
	h.Set(key, fmt.Sprintf("'%s'", strings.ReplaceAll(value, "'", "''")), comment)
}

// SetFloat sets a numeric value.
func (h *Header) SetFloat(key string, value float64, comment string) {
	h.Set(key, fmt.Sprintf("%.6f", value), comment)
}

// ReadHeader parses the primary header of a FITS file and returns it
// along with the byte offset where data blocks begin.
func ReadHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	hdr := &Header{}
	block := make([]byte, BlockSize)
	var offset int64
	for {
		n, err := f.Read(block)
		if err != nil || n != BlockSize {
			return nil, 0, fmt.Errorf("truncated FITS header in %s", path)
		}
		offset += BlockSize
		for i := 0; i+CardSize <= BlockSize; i += CardSize {
			card := string(block[i : i+CardSize])
			key := strings.TrimRight(card[:8], " ")
			if key == "END" {
				return hdr, offset, nil
			}
			if key == "" || key == "COMMENT" || key == "HISTORY" {
				continue
			}
			c := Card{Key: key}
			rest := card[8:]
			if strings.HasPrefix(rest, "= ") {
				body := rest[2:]
				if slash := valueEnd(body); slash >= 0 {
					c.Value = strings.TrimSpace(body[:slash])
					c.Comment = strings.TrimSpace(body[slash+1:])
				} else {
					c.Value = strings.TrimSpace(body)
				}
			}
			hdr.Cards = append(hdr.Cards, c)
		}
	}
}

// valueEnd finds the comment slash, skipping slashes inside quoted
// strings.
func valueEnd(body string) int {
	inString := false
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\'':
			inString = !inString
		case '/':
			if !inString {
				return i
			}
		}
	}
	return -1
}

// WriteFile writes header + data to path, padding the header to a whole
// number of blocks.
func WriteFile(path string, hdr *Header, data []byte) error {
	var sb strings.Builder
	for _, c := range hdr.Cards {
		sb.WriteString(formatCard(c))
	}
	sb.WriteString(padCard("END"))
	for sb.Len()%BlockSize != 0 {
		sb.WriteString(strings.Repeat(" ", CardSize))
	}
	out := append([]byte(sb.String()), data...)
	return os.WriteFile(path, out, 0o644)
}

func formatCard(c Card) string {
	if c.Value == "" {
		return padCard(c.Key)
	}
	s := fmt.Sprintf("%-8s= %s", c.Key, padValue(c.Value))
	if c.Comment != "" {
		s += " / " + c.Comment
	}
	return padCard(s)
}

// padValue right-justifies short numeric values per convention; strings
// stay left-justified.
func padValue(v string) string {
	if strings.HasPrefix(v, "'") {
		return v
	}
	if len(v) < 20 {
		return strings.Repeat(" ", 20-len(v)) + v
	}
	return v
}

func padCard(s string) string {
	if len(s) > CardSize {
		s = s[:CardSize]
	}
	return s + strings.Repeat(" ", CardSize-len(s))
}
