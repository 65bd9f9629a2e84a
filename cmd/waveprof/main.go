// Command waveprof reconstructs per-cycle call stacks from a Calyx design's
// simulation waveform and writes flame graph, timeline and summary reports.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/golang/snappy"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/calyxir/waveprof/trace/ctrace"
)

var local = message.NewPrinter(language.English)

var (
	warnTag  = color.New(color.FgYellow, color.Bold)
	errorTag = color.New(color.FgRed, color.Bold)
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <waveform.vcd[.sz]> <cells.json> <outdir> <flame.folded> [timeline cells]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "Timeline cells are a comma-separated list of qualified cell names, or @file with one name per line.")
	flag.PrintDefaults()
}

func fatal(err error) {
	errorTag.Fprint(os.Stderr, "ERROR ")
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func warnf(format string, args ...any) {
	warnTag.Fprint(os.Stderr, "WARN ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func main() {
	log.SetFlags(0)
	utilPath := flag.String("util", "", "synthesis utilization report (JSON); enables per-cycle utilization attribution")
	renderFlag := flag.String("render", "calyx", "stack rendering: calyx, sourceloc or hybrid")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 4 {
		usage()
		os.Exit(2)
	}
	wavePath, cellsPath, outdir, flamePath := args[0], args[1], args[2], args[3]

	var mode ctrace.RenderMode
	switch *renderFlag {
	case "calyx":
		mode = ctrace.RenderCalyx
	case "sourceloc":
		mode = ctrace.RenderSourceLoc
	case "hybrid":
		mode = ctrace.RenderHybrid
	default:
		fatal(fmt.Errorf("unknown rendering %q", *renderFlag))
	}

	warn := ctrace.NewWarnings()
	warn.Logf = warnf

	meta := loadMeta(cellsPath)
	tr := loadTrace(wavePath, meta, warn)
	local.Printf("reconstructed %d cycles\n", len(tr.Cycles))

	tr.OverlayControl(warn)

	if *utilPath != "" {
		util := loadUtilization(*utilPath)
		tr.OverlayUtilization(util)
		if missed := util.Unaccessed(); len(missed) > 0 {
			warnf("%d utilization entries were never attributed to a stack: %s", len(missed), strings.Join(missed, ", "))
		}
	}

	if err := os.MkdirAll(outdir, 0o777); err != nil {
		fatal(err)
	}
	if err := writeFlameGraph(flamePath, tr, mode); err != nil {
		fatal(err)
	}
	if err := writeTree(filepath.Join(outdir, "tree.txt"), tr, mode); err != nil {
		fatal(err)
	}
	if err := writeSummaries(filepath.Join(outdir, "summary.txt"), tr); err != nil {
		fatal(err)
	}
	if len(args) > 4 {
		cells, err := timelineCells(args[4])
		if err != nil {
			fatal(err)
		}
		if err := writeTimeline(filepath.Join(outdir, "timeline.json"), tr, cells); err != nil {
			fatal(err)
		}
	}
}

func loadMeta(path string) *ctrace.Meta {
	f, err := os.Open(path)
	if err != nil {
		fatal(err)
	}
	defer f.Close()
	meta, err := ctrace.LoadMeta(f)
	if err != nil {
		fatal(err)
	}
	return meta
}

func loadTrace(path string, meta *ctrace.Meta, warn *ctrace.Warnings) *ctrace.Trace {
	f, err := os.Open(path)
	if err != nil {
		fatal(err)
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".sz") {
		r = snappy.NewReader(f)
	}
	tr, err := ctrace.Parse(r, meta, warn)
	if err != nil {
		fatal(err)
	}
	return tr
}

func loadUtilization(path string) *ctrace.Utilization {
	f, err := os.Open(path)
	if err != nil {
		fatal(err)
	}
	defer f.Close()
	util, err := ctrace.LoadUtilization(f)
	if err != nil {
		fatal(err)
	}
	return util
}

// timelineCells parses the optional trailing argument: a comma-separated
// list, or @file with one qualified cell name per line.
func timelineCells(arg string) ([]string, error) {
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var cells []string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				cells = append(cells, line)
			}
		}
		return cells, nil
	}
	var cells []string
	for _, c := range strings.Split(arg, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cells = append(cells, c)
		}
	}
	return cells, nil
}
