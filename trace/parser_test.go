package trace

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	signals []Signal
	steps   []step
	stopAt  Timestamp
}

type step struct {
	ts      Timestamp
	changes []Change
}

func (r *recorder) EndDefinitions(signals []Signal) error {
	r.signals = signals
	return nil
}

func (r *recorder) Timestep(ts Timestamp, changes []Change) error {
	if r.stopAt != 0 && ts >= r.stopAt {
		return ErrStop
	}
	c := make([]Change, len(changes))
	copy(c, changes)
	r.steps = append(r.steps, step{ts, c})
	return nil
}

func keepAll(string) bool { return true }

const header = `$date today $end
$version sim $end
$timescale 1ps $end
$scope module TOP $end
$scope module main $end
$var wire 1 ! clk $end
$var wire 1 " go $end
$var reg 4 # counter $end
$upscope $end
$upscope $end
$enddefinitions $end
`

func TestParse(t *testing.T) {
	input := header + `#0
$dumpvars
0!
0"
bxxxx #
$end
#10
1!
1"
b1010 #
#20
0!
`
	var rec recorder
	if err := Parse(strings.NewReader(input), keepAll, &rec); err != nil {
		t.Fatal(err)
	}

	wantSignals := []Signal{
		{ID: 0, Name: "TOP.main.clk", Width: 1},
		{ID: 1, Name: "TOP.main.go", Width: 1},
		{ID: 2, Name: "TOP.main.counter", Width: 4},
	}
	if diff := cmp.Diff(wantSignals, rec.signals); diff != "" {
		t.Errorf("signal table mismatch (-want +got):\n%s", diff)
	}

	wantSteps := []step{
		{0, []Change{
			{0, Value{0, true}},
			{1, Value{0, true}},
			{2, Value{0, false}},
		}},
		{10, []Change{
			{0, Value{1, true}},
			{1, Value{1, true}},
			{2, Value{0b1010, true}},
		}},
		{20, []Change{
			{0, Value{0, true}},
		}},
	}
	if diff := cmp.Diff(wantSteps, rec.steps, cmp.AllowUnexported(step{})); diff != "" {
		t.Errorf("timestep mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFilter(t *testing.T) {
	var rec recorder
	keep := func(name string) bool { return strings.HasSuffix(name, ".clk") }
	input := header + "#0\n0!\n1\"\n#5\n1!\n"
	if err := Parse(strings.NewReader(input), keep, &rec); err != nil {
		t.Fatal(err)
	}
	if len(rec.signals) != 1 || rec.signals[0].Name != "TOP.main.clk" {
		t.Fatalf("registered %v, want only the clock", rec.signals)
	}
	// The filtered go signal's changes must not produce timesteps of their
	// own.
	if len(rec.steps) != 2 {
		t.Fatalf("got %d timesteps, want 2", len(rec.steps))
	}
	for _, s := range rec.steps {
		if len(s.changes) != 1 || s.changes[0].Signal != 0 {
			t.Errorf("timestep %d delivered filtered changes: %v", s.ts, s.changes)
		}
	}
}

func TestParseLastWriteWins(t *testing.T) {
	// Simulators may emit several changes for one signal at the same
	// timestamp; only the final value matters.
	var rec recorder
	input := header + "#0\n0!\n1!\n"
	if err := Parse(strings.NewReader(input), keepAll, &rec); err != nil {
		t.Fatal(err)
	}
	if len(rec.steps) != 1 || len(rec.steps[0].changes) != 1 {
		t.Fatalf("unexpected steps %v", rec.steps)
	}
	if got := rec.steps[0].changes[0].Value; !got.High() {
		t.Errorf("got %v, want the final value 1", got)
	}
}

func TestParseAliases(t *testing.T) {
	// Two signals sharing one identifier code both see the change.
	input := `$scope module m $end
$var wire 1 ! a $end
$var wire 1 ! b $end
$upscope $end
$enddefinitions $end
#0
1!
`
	var rec recorder
	if err := Parse(strings.NewReader(input), keepAll, &rec); err != nil {
		t.Fatal(err)
	}
	if len(rec.steps) != 1 || len(rec.steps[0].changes) != 2 {
		t.Fatalf("unexpected steps %v", rec.steps)
	}
}

func TestParseStop(t *testing.T) {
	rec := recorder{stopAt: 10}
	input := header + "#0\n0!\n#10\n1!\n#20\nbogus\n"
	if err := Parse(strings.NewReader(input), keepAll, &rec); err != nil {
		t.Fatalf("ErrStop must not be reported: %v", err)
	}
	if len(rec.steps) != 1 {
		t.Fatalf("parsed past the stop point: %v", rec.steps)
	}
}

func TestParseWideVector(t *testing.T) {
	input := `$scope module m $end
$var reg 96 ! wide $end
$upscope $end
$enddefinitions $end
#0
b` + strings.Repeat("1", 96) + ` !
`
	var rec recorder
	if err := Parse(strings.NewReader(input), keepAll, &rec); err != nil {
		t.Fatal(err)
	}
	if v := rec.steps[0].changes[0].Value; v.Known {
		t.Errorf("96-bit value decoded as known: %v", v)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"truncated header", "$scope module m $end\n$var wire 1 ! a $end\n"},
		{"no matching signals", "$enddefinitions $end\n#0\n"},
		{"upscope without scope", "$upscope $end\n$enddefinitions $end\n"},
		{"bad var width", "$var wire zero ! a $end\n$enddefinitions $end\n"},
		{"backwards timestamp", header + "#10\n1!\n#5\n0!\n"},
		{"bad timestamp", header + "#ten\n"},
		{"scalar without identifier", header + "#0\n1\n"},
		{"bad vector bits", header + "#0\nb012 #\n"},
		{"real value", header + "#0\nr1.5 #\n"},
		{"stray token", header + "#0\nhello\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec recorder
			err := Parse(strings.NewReader(tt.input), keepAll, &rec)
			if err == nil {
				t.Fatalf("no error on input:\n%s", tt.input)
			}
		})
	}
}

func FuzzParse(f *testing.F) {
	f.Add(header + "#0\n0!\nb1010 #\n#10\n1!\n")
	f.Fuzz(func(t *testing.T, in string) {
		// Trivial test that makes sure parsing terminates without crashing.
		var rec recorder
		Parse(strings.NewReader(in), keepAll, &rec)
	})
}
