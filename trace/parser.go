// Package trace reads VCD waveform dumps and delivers decoded value-change
// events to a handler, one fully collected timestep at a time.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Timestamp is a simulation time in the dump's timescale units.
type Timestamp int64

// SignalID indexes into the signal table handed to Handler.EndDefinitions.
type SignalID int32

// Signal is one registered wire or register in the dump. Name is the fully
// qualified, dot-separated hierarchical name.
type Signal struct {
	ID    SignalID
	Name  string
	Width int
}

// Value is the decoded value of a signal. Known is false if any bit was x or
// z, or if a vector was too wide to represent.
type Value struct {
	Bits  uint64
	Known bool
}

// High reports whether the value is a known logical 1. Probes and go/done
// signals are single bits, so High is the activity test for them.
func (v Value) High() bool {
	return v.Known && v.Bits != 0
}

type Change struct {
	Signal SignalID
	Value  Value
}

// ErrStop can be returned from a Handler callback to stop parsing early
// without reporting an error to the caller of Parse. Used once the design's
// done signal has been observed and the remaining dump is of no interest.
var ErrStop = errors.New("stop parsing")

// Handler receives the decoded stream. EndDefinitions is called exactly once,
// after the header, with the table of all registered signals. Timestep is
// called once per distinct timestamp that changed at least one registered
// signal, with every change of that timestamp collected; a handler never
// observes a partially delivered timestep.
type Handler interface {
	EndDefinitions(signals []Signal) error
	Timestep(ts Timestamp, changes []Change) error
}

// Parse reads a VCD dump from r. Only signals whose hierarchical name
// satisfies keep are decoded and delivered; everything else is skipped at the
// tokenizer level. Parse returns nil when the handler returns ErrStop.
func Parse(r io.Reader, keep func(name string) bool, h Handler) error {
	p := &parser{
		r:     bufio.NewReaderSize(r, 1<<20),
		keep:  keep,
		codes: map[string][]SignalID{},
	}
	err := p.parse(h)
	if err == ErrStop {
		return nil
	}
	return err
}

type parser struct {
	r    *bufio.Reader
	off  int
	keep func(name string) bool

	scope   []string
	signals []Signal
	codes   map[string][]SignalID

	bucket bucket
}

func (p *parser) parse(h Handler) error {
	if err := p.readDefinitions(); err != nil {
		return err
	}
	if len(p.signals) == 0 {
		return fmt.Errorf("no registered signal matched any declaration; wrong dump for this design?")
	}
	if err := h.EndDefinitions(p.signals); err != nil {
		return err
	}
	return p.readChanges(h)
}

// readDefinitions consumes the header up to and including $enddefinitions,
// building the signal table from $scope/$var declarations.
func (p *parser) readDefinitions() error {
	for {
		tok, off, err := p.token()
		if err == io.EOF {
			return fmt.Errorf("dump ended before $enddefinitions")
		}
		if err != nil {
			return err
		}
		switch tok {
		case "$scope":
			// $scope <type> <name> $end
			if _, _, err := p.token(); err != nil {
				return fmt.Errorf("malformed $scope at offset %d: %v", off, err)
			}
			name, _, err := p.token()
			if err != nil {
				return fmt.Errorf("malformed $scope at offset %d: %v", off, err)
			}
			if err := p.expect("$end", off); err != nil {
				return err
			}
			p.scope = append(p.scope, name)
		case "$upscope":
			if len(p.scope) == 0 {
				return fmt.Errorf("$upscope without open scope at offset %d", off)
			}
			p.scope = p.scope[:len(p.scope)-1]
			if err := p.expect("$end", off); err != nil {
				return err
			}
		case "$var":
			if err := p.readVar(off); err != nil {
				return err
			}
		case "$enddefinitions":
			return p.expect("$end", off)
		default:
			if strings.HasPrefix(tok, "$") {
				// $date, $version, $timescale, $comment and anything else we
				// don't interpret.
				if err := p.skipDirective(tok, off); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("unexpected token %q in declarations at offset %d", tok, off)
		}
	}
}

// readVar parses "$var <type> <width> <code> <name> [range] $end" and
// registers the signal if its qualified name is of interest.
func (p *parser) readVar(off int) error {
	var toks []string
	for {
		tok, _, err := p.token()
		if err != nil {
			return fmt.Errorf("malformed $var at offset %d: %v", off, err)
		}
		if tok == "$end" {
			break
		}
		toks = append(toks, tok)
		if len(toks) > 6 {
			return fmt.Errorf("malformed $var at offset %d: too many fields", off)
		}
	}
	if len(toks) < 4 {
		return fmt.Errorf("malformed $var at offset %d: want at least 4 fields, got %d", off, len(toks))
	}
	width, err := strconv.Atoi(toks[1])
	if err != nil || width <= 0 {
		return fmt.Errorf("bad width %q in $var at offset %d", toks[1], off)
	}
	code := toks[2]
	name := toks[3]
	qualified := name
	if len(p.scope) > 0 {
		qualified = strings.Join(p.scope, ".") + "." + name
	}
	if !p.keep(qualified) {
		return nil
	}
	id := SignalID(len(p.signals))
	p.signals = append(p.signals, Signal{ID: id, Name: qualified, Width: width})
	// The same identifier code may be shared by aliased signals; a change to
	// the code fans out to all of them.
	p.codes[code] = append(p.codes[code], id)
	return nil
}

func (p *parser) readChanges(h Handler) error {
	p.bucket.reset(0)
	for {
		tok, off, err := p.token()
		if err == io.EOF {
			return p.bucket.flush(h)
		}
		if err != nil {
			return err
		}
		switch {
		case tok[0] == '#':
			ts, err := strconv.ParseInt(tok[1:], 10, 64)
			if err != nil {
				return fmt.Errorf("bad timestamp %q at offset %d", tok, off)
			}
			if Timestamp(ts) < p.bucket.ts {
				return fmt.Errorf("timestamp %d at offset %d goes backwards (previous %d)", ts, off, p.bucket.ts)
			}
			if Timestamp(ts) != p.bucket.ts {
				if err := p.bucket.flush(h); err != nil {
					return err
				}
				p.bucket.reset(Timestamp(ts))
			}
		case tok[0] == '0' || tok[0] == '1' || tok[0] == 'x' || tok[0] == 'X' || tok[0] == 'z' || tok[0] == 'Z':
			if len(tok) < 2 {
				return fmt.Errorf("scalar change %q without identifier at offset %d", tok, off)
			}
			v := Value{Known: tok[0] == '0' || tok[0] == '1'}
			if tok[0] == '1' {
				v.Bits = 1
			}
			p.change(tok[1:], v)
		case tok[0] == 'b' || tok[0] == 'B':
			code, _, err := p.token()
			if err != nil {
				return fmt.Errorf("vector change %q without identifier at offset %d", tok, off)
			}
			v, err := parseBits(tok[1:])
			if err != nil {
				return fmt.Errorf("bad vector value %q at offset %d: %v", tok, off, err)
			}
			p.change(code, v)
		case tok[0] == 'r' || tok[0] == 'R':
			code, _, err := p.token()
			if err != nil {
				return fmt.Errorf("real change %q without identifier at offset %d", tok, off)
			}
			if ids := p.codes[code]; len(ids) > 0 {
				return fmt.Errorf("signal %s carries a real value %q at offset %d; real-valued signals are not supported",
					p.signals[ids[0]].Name, tok, off)
			}
		case tok == "$dumpvars" || tok == "$dumpall" || tok == "$dumpon" || tok == "$dumpoff" || tok == "$end":
			// Value-change blocks; the changes inside are handled normally.
		case tok == "$comment":
			if err := p.skipDirective(tok, off); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected token %q at offset %d", tok, off)
		}
	}
}

func (p *parser) change(code string, v Value) {
	for _, id := range p.codes[code] {
		p.bucket.add(id, v)
	}
}

// parseBits decodes a binary bit string, most significant bit first. Any x or
// z bit makes the value unknown, as does a value too wide for 64 bits.
func parseBits(s string) (Value, error) {
	if s == "" {
		return Value{}, fmt.Errorf("empty bit string")
	}
	v := Value{Known: true}
	for _, c := range s {
		switch c {
		case '0', '1':
			if v.Bits&(1<<63) != 0 {
				// Shifting out a set bit; the value no longer fits.
				v.Known = false
			}
			v.Bits = v.Bits<<1 | uint64(c-'0')
		case 'x', 'X', 'z', 'Z':
			v.Bits <<= 1
			v.Known = false
		default:
			return Value{}, fmt.Errorf("bad bit %q", c)
		}
	}
	return v, nil
}

func (p *parser) skipDirective(name string, off int) error {
	for {
		tok, _, err := p.token()
		if err != nil {
			return fmt.Errorf("%s at offset %d not terminated by $end: %v", name, off, err)
		}
		if tok == "$end" {
			return nil
		}
	}
}

func (p *parser) expect(want string, off int) error {
	tok, _, err := p.token()
	if err != nil {
		return fmt.Errorf("expected %q after directive at offset %d: %v", want, off, err)
	}
	if tok != want {
		return fmt.Errorf("expected %q after directive at offset %d, got %q", want, off, tok)
	}
	return nil
}

// token returns the next whitespace-delimited token and the byte offset it
// started at.
func (p *parser) token() (string, int, error) {
	for {
		c, err := p.r.ReadByte()
		if err != nil {
			return "", p.off, err
		}
		p.off++
		if isSpace(c) {
			continue
		}
		start := p.off - 1
		var sb strings.Builder
		sb.WriteByte(c)
		for {
			c, err := p.r.ReadByte()
			if err == io.EOF {
				return sb.String(), start, nil
			}
			if err != nil {
				return "", start, err
			}
			p.off++
			if isSpace(c) {
				return sb.String(), start, nil
			}
			sb.WriteByte(c)
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
