// pax_checkpoints inspects training checkpoint directories: which steps are
// committed, what each checkpoint stores, and whether the stored data is
// intact.
//
// Usage:
//
//	pax_checkpoints -steps <base_dir>
//	pax_checkpoints -summary [-step N] <base_dir>
//	pax_checkpoints -leaves [-step N] <base_dir>
//	pax_checkpoints -verify <base_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/paxgo/pax/ml/checkpoints"
)

var (
	flagSteps = flag.Bool("steps", false, "Lists the committed checkpoint steps with their on-disk sizes.")
	flagSummary = flag.Bool("summary", false, "Displays a summary of one checkpoint: layout, leaf count, "+
		"parameter count and bytes.")
	flagLeaves = flag.Bool("leaves", false, "Lists every stored leaf with its shape and size.")
	flagAux    = flag.Bool("aux", false, "Lists the auxiliary data committed with the checkpoint.")
	flagVerify = flag.Bool("verify", false, "Fully decodes every leaf of every committed checkpoint, "+
		"reporting corruption.")
	flagStep = flag.Int64("step", int64(checkpoints.LatestStepMarker),
		"Checkpoint step to inspect. Defaults to the most recent one.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoints base directory to read from. See 'pax_checkpoints -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'pax_checkpoints -help'.")
		os.Exit(1)
	}
	if !*flagSteps && !*flagSummary && !*flagLeaves && !*flagAux && !*flagVerify {
		*flagSummary = true
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(baseDir string) {
	steps := must.M1(checkpoints.ListSteps(baseDir))
	if len(steps) == 0 {
		klog.Errorf("No committed checkpoints in %q", baseDir)
		os.Exit(1)
	}

	if *flagSteps {
		reportSteps(baseDir, steps)
	}

	step := *flagStep
	if step == checkpoints.LatestStepMarker {
		step = steps[len(steps)-1]
	}
	stepDir := checkpoints.MakeStepDir(baseDir, step)

	if *flagSummary {
		reportSummary(baseDir, stepDir, step)
	}
	if *flagLeaves {
		reportLeaves(stepDir)
	}
	if *flagAux {
		reportAuxiliary(baseDir, step)
	}
	if *flagVerify {
		verify(baseDir, steps)
	}
}

func reportSteps(baseDir string, steps []int64) {
	fmt.Println(titleStyle.Render("Committed Checkpoints"))
	table := newPlainTable(true)
	table.Row("Step", "Directory", "Bytes")
	for _, step := range steps {
		stepDir := checkpoints.MakeStepDir(baseDir, step)
		table.Row(humanize.Comma(step), filepath.Base(stepDir), humanize.Bytes(dirSize(stepDir)))
	}
	fmt.Println(table.Render())
}

func reportSummary(baseDir, stepDir string, step int64) {
	leaves := must.M1(checkpoints.Inspect(stepDir))

	var numParams, numMasked int64
	var numBytes uint64
	for _, leaf := range leaves {
		if leaf.Masked {
			numMasked++
			continue
		}
		numParams += int64(leaf.Shape.Size())
		numBytes += uint64(leaf.Shape.Memory())
	}

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("checkpoint", stepDir)
	table.Row("step", humanize.Comma(step))
	table.Row("layout", layoutName(stepDir))
	table.Row("# leaves", humanize.Comma(int64(len(leaves))))
	if numMasked > 0 {
		table.Row("# masked leaves", humanize.Comma(numMasked))
	}
	table.Row("# parameters", humanize.Comma(numParams))
	table.Row("# bytes", humanize.Bytes(numBytes))
	fmt.Println(table.Render())
}

func reportLeaves(stepDir string) {
	leaves := must.M1(checkpoints.Inspect(stepDir))
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Name < leaves[j].Name })

	fmt.Println(titleStyle.Render("Leaves"))
	table := newPlainTable(true)
	table.Row("Name", "Shape", "Size", "Bytes")
	for _, leaf := range leaves {
		if leaf.Masked {
			table.Row(leaf.Name, "(masked)", "", "")
			continue
		}
		table.Row(leaf.Name, leaf.Shape.String(),
			humanize.Comma(int64(leaf.Shape.Size())),
			humanize.Bytes(uint64(leaf.Shape.Memory())))
	}
	fmt.Println(table.Render())
}

func reportAuxiliary(baseDir string, step int64) {
	manager := must.M1(checkpoints.BuildManager(baseDir).Done())
	aux := must.M1(manager.Auxiliary(step))

	fmt.Println(titleStyle.Render("Auxiliary Data"))
	if len(aux) == 0 {
		fmt.Println("(none)")
		return
	}
	keys := make([]string, 0, len(aux))
	for key := range aux {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	table := newPlainTable(true)
	table.Row("Key", "Value")
	for _, key := range keys {
		table.Row(key, strings.TrimSpace(string(aux[key])))
	}
	fmt.Println(table.Render())
}

func verify(baseDir string, steps []int64) {
	fmt.Println(titleStyle.Render("Verify"))
	bar := progressbar.Default(int64(len(steps)), "verifying")
	var broken int
	for _, step := range steps {
		stepDir := checkpoints.MakeStepDir(baseDir, step)
		if _, err := checkpoints.Inspect(stepDir); err != nil {
			broken++
			klog.Errorf("Checkpoint at step %d is broken: %v", step, err)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	if broken > 0 {
		fmt.Printf("%d of %d checkpoints are broken.\n", broken, len(steps))
		os.Exit(1)
	}
	fmt.Printf("All %d checkpoints decode cleanly.\n", len(steps))
}

func layoutName(stepDir string) string {
	if _, err := os.Stat(filepath.Join(stepDir, "index.json")); err == nil {
		return "sharded (consolidated)"
	}
	if _, err := os.Stat(filepath.Join(stepDir, checkpoints.FlatAggregateName)); err == nil {
		return "flat (legacy aggregate)"
	}
	return "sharded"
}

func dirSize(directory string) uint64 {
	var total uint64
	_ = filepath.WalkDir(directory, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
