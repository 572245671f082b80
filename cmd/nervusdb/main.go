// Command nervusdb is the operator CLI for a nervusdb store: integrity
// checking, repair, compaction, garbage collection, and inspection.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LuQing-Studio/nervusdb-sub001/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := dispatch(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "nervusdb: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: nervusdb <check|repair|repair-page|compact|auto-compact|gc|stats|txids|dump|bench|hot> [options] <dir>")
}

func dispatch(name string, args []string) error {
	switch name {
	case "check":
		return runCheck(args)
	case "repair":
		return runRepair(args)
	case "repair-page":
		return runRepairPage(args)
	case "compact":
		return runCompact(args)
	case "auto-compact":
		return runAutoCompact(args)
	case "gc":
		return runGC(args)
	case "stats":
		return runStats(args)
	case "txids":
		return runTxIDs(args)
	case "dump":
		return runDump(args)
	case "bench":
		return runBench(args)
	case "hot":
		return runHot(args)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", name)
	}
}

func openStore(fs *flag.FlagSet, args []string) (*store.Store, error) {
	return openStoreMode(fs, args, false)
}

// openStoreMode is openStore with an explicit read-only choice, for
// subcommands (check/stats/txids/dump/hot) that only ever read and so
// should cooperate with another process's writer rather than contend
// for the exclusive lock (spec section 4.11).
func openStoreMode(fs *flag.FlagSet, args []string, readOnly bool) (*store.Store, error) {
	cfgPath := fs.String("config", "", "Path to an optional YAML config file (page size, codec, timeouts, compaction weights)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	dir := fs.Arg(0)
	if dir == "" {
		return nil, fmt.Errorf("missing database directory argument")
	}
	opts, weights, err := loadConfig(*cfgPath)
	if err != nil {
		return nil, err
	}
	opts.Weights = weights
	opts.ReadOnly = readOnly
	return store.Open(dir, opts)
}

// ---- check / repair ---------------------------------------------------

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	db, err := openStoreMode(fs, args, true)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.Check()
	if err != nil {
		return err
	}
	printCheckReport(report)
	if len(report.Faults) > 0 || report.WalCorrupt {
		os.Exit(1)
	}
	return nil
}

func runRepair(args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	db, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.Repair()
	if err != nil {
		return err
	}
	fmt.Println("repair: applied the following fixes")
	printCheckReport(report)
	return nil
}

func runRepairPage(args []string) error {
	fs := flag.NewFlagSet("repair-page", flag.ExitOnError)
	ordering := fs.String("ordering", "SPO", "Ordering (SPO|POS|OSP)")
	primary := fs.Uint64("primary", 0, "Primary id of the chain")
	offset := fs.Uint64("offset", 0, "Page offset to drop")
	cfgPath := fs.String("config", "", "Path to an optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := fs.Arg(0)
	if dir == "" {
		return fmt.Errorf("missing database directory argument")
	}
	o, err := store.ParseOrdering(*ordering)
	if err != nil {
		return err
	}
	opts, weights, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	opts.Weights = weights

	db, err := store.Open(dir, opts)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.RepairPage(o, store.ID(*primary), store.PageOffset(*offset))
}

func printCheckReport(r *store.CheckReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "epoch\t%d\n", r.Epoch)
	fmt.Fprintf(w, "pages walked\t%d\n", r.PagesWalked)
	fmt.Fprintf(w, "faults\t%d\n", len(r.Faults))
	fmt.Fprintf(w, "wal corrupt tail\t%v\n", r.WalCorrupt)
	fmt.Fprintf(w, "wal safe bytes\t%d\n", r.WalSafeBytes)
	w.Flush()
	for _, f := range r.Faults {
		fmt.Printf("  fault: %s primary=%d offset=%d: %v\n", f.Ordering, f.Primary, f.Offset, f.Err)
	}
}

// ---- compact / auto-compact --------------------------------------------

// compactFlags binds the CompactOptions configuration surface of spec
// section 4.8 to a FlagSet, so both `compact` and `auto-compact` expose
// the same knobs the spec's config enumeration names:
// `{orders, minScore, hotThreshold, maxPrimary, tombstoneRatioThreshold,
// autoGc}`.
type compactFlags struct {
	mode           *string
	orders         *string
	minScore       *float64
	hotThreshold   *uint
	maxPrimary     *int
	tombstoneRatio *float64
	autoGC         *bool
}

func bindCompactFlags(fs *flag.FlagSet) compactFlags {
	return compactFlags{
		mode:           fs.String("mode", "incremental", "Compaction mode: full|incremental"),
		orders:         fs.String("orders", "", "Comma-separated ordering subset (SPO,POS,OSP); empty = all"),
		minScore:       fs.Float64("min-score", 0, "Minimum score for incremental candidate selection"),
		hotThreshold:   fs.Uint("hot-threshold", 0, "Minimum hotness count for incremental candidate selection"),
		maxPrimary:     fs.Int("max-primary", 0, "Cap on chains rewritten per incremental pass (0 = unlimited)"),
		tombstoneRatio: fs.Float64("tombstone-ratio", 0, "Minimum tombstone ratio that alone selects a chain"),
		autoGC:         fs.Bool("auto-gc", false, "Run a respect-readers GC pass immediately after compacting"),
	}
}

func parseOrders(csv string) ([]store.Ordering, error) {
	if csv == "" {
		return nil, nil
	}
	var out []store.Ordering
	for _, tok := range strings.Split(csv, ",") {
		o, err := store.ParseOrdering(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (cf compactFlags) options() (store.CompactOptions, error) {
	orders, err := parseOrders(*cf.orders)
	if err != nil {
		return store.CompactOptions{}, err
	}
	return store.CompactOptions{
		Orders:                  orders,
		MinScore:                *cf.minScore,
		HotThreshold:            uint32(*cf.hotThreshold),
		MaxPrimary:              *cf.maxPrimary,
		TombstoneRatioThreshold: *cf.tombstoneRatio,
		AutoGC:                  *cf.autoGC,
	}, nil
}

func printCompactStats(stats *store.CompactStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "chains rewritten\t%d\n", stats.PrimariesRewritten)
	if stats.GC != nil {
		if stats.GC.Skipped {
			fmt.Fprintf(w, "auto-gc\tskipped (%s)\n", stats.GC.Reason)
		} else {
			total := 0
			for _, v := range stats.GC.Reclaimed {
				total += v
			}
			fmt.Fprintf(w, "auto-gc reclaimed\t%d\n", total)
		}
	}
	w.Flush()
}

func runCompact(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	cf := bindCompactFlags(fs)
	db, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer db.Close()

	opts, err := cf.options()
	if err != nil {
		return err
	}

	var stats *store.CompactStats
	switch *cf.mode {
	case "full":
		stats, err = db.CompactFull(opts)
	case "incremental":
		stats, err = db.CompactIncremental(opts)
	default:
		return fmt.Errorf("unknown compaction mode %q", *cf.mode)
	}
	if err != nil {
		return err
	}
	printCompactStats(stats)
	return nil
}

func runAutoCompact(args []string) error {
	fs := flag.NewFlagSet("auto-compact", flag.ExitOnError)
	cf := bindCompactFlags(fs)
	every := fs.String("every", "@every 1h", "Cron spec (robfig/cron syntax) or @every duration")
	cfgPath := fs.String("config", "", "Path to an optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := fs.Arg(0)
	if dir == "" {
		return fmt.Errorf("missing database directory argument")
	}
	opts, weights, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	opts.Weights = weights

	db, err := store.Open(dir, opts)
	if err != nil {
		return err
	}
	defer db.Close()

	compactOpts, err := cf.options()
	if err != nil {
		return err
	}

	c := cron.New()
	_, err = c.AddFunc(*every, func() {
		var runErr error
		if *cf.mode == "full" {
			_, runErr = db.CompactFull(compactOpts)
		} else {
			_, runErr = db.CompactIncremental(compactOpts)
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "nervusdb: auto-compact run failed: %v\n", runErr)
		}
	})
	if err != nil {
		return fmt.Errorf("parse --every schedule: %w", err)
	}
	c.Start()
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

// ---- gc -----------------------------------------------------------------

func runGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	respectReaders := fs.Bool("respect-readers", true, "Skip the whole pass rather than reclaim pages a pinned reader might still need")
	db, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := db.GC(*respectReaders)
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("gc: skipped (%s)\n", result.Reason)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ordering\treclaimed")
	for _, o := range store.Orderings {
		name := o.String()
		fmt.Fprintf(w, "%s\t%d\n", name, result.Reclaimed[name])
	}
	return w.Flush()
}

// ---- stats ----------------------------------------------------------------

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	db, err := openStoreMode(fs, args, true)
	if err != nil {
		return err
	}
	defer db.Close()

	s := db.Stats()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "epoch\t%d\n", s.Epoch)
	fmt.Fprintf(w, "dictionary size\t%d\n", s.DictionarySize)
	fmt.Fprintf(w, "staged ops\t%d\n", s.StagingOps)
	fmt.Fprintf(w, "tombstones\t%d\n", s.TombstoneCount)
	for _, o := range store.Orderings {
		fmt.Fprintf(w, "pages (%s)\t%d\n", o, s.PageCounts[o.String()])
	}
	return w.Flush()
}

// ---- txids ------------------------------------------------------------

func runTxIDs(args []string) error {
	fs := flag.NewFlagSet("txids", flag.ExitOnError)
	db, err := openStoreMode(fs, args, true)
	if err != nil {
		return err
	}
	defer db.Close()

	txs, err := db.TxIDs()
	if err != nil {
		return err
	}
	for _, tx := range txs {
		fmt.Printf("%s\t%s\n", tx.TxID, tx.SessionID)
	}
	return nil
}

// ---- dump ---------------------------------------------------------------

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	db, err := openStoreMode(fs, args, true)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.PopPin()

	triples, err := db.Query(snap, store.Pattern{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, t := range triples {
		s, err := db.FromID(t.S)
		if err != nil {
			return err
		}
		p, err := db.FromID(t.P)
		if err != nil {
			return err
		}
		o, err := db.FromID(t.O)
		if err != nil {
			return err
		}
		if err := enc.Encode(map[string]string{"subject": s, "predicate": p, "object": o}); err != nil {
			return err
		}
	}
	return nil
}

// ---- bench ----------------------------------------------------------------

func runBench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	n := fs.Int("n", 10000, "Number of synthetic facts to insert")
	cfgPath := fs.String("config", "", "Path to an optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := fs.Arg(0)
	if dir == "" {
		return fmt.Errorf("missing database directory argument")
	}
	opts, weights, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	opts.Weights = weights

	db, err := store.Open(dir, opts)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	for i := 0; i < *n; i++ {
		s, err := db.ToID("subj:" + strconv.Itoa(i%1000))
		if err != nil {
			return err
		}
		p, err := db.ToID("pred:" + strconv.Itoa(i%20))
		if err != nil {
			return err
		}
		o, err := db.ToID("obj:" + strconv.Itoa(i))
		if err != nil {
			return err
		}
		if err := db.AddFact(store.Triple{S: s, P: p, O: o}); err != nil {
			return err
		}
	}
	writeElapsed := time.Since(start)
	if err := db.Flush(); err != nil {
		return err
	}

	snap, err := db.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.PopPin()

	start = time.Now()
	queries := 0
	for i := 0; i < 1000; i++ {
		s, err := db.ToID("subj:" + strconv.Itoa(i%1000))
		if err != nil {
			return err
		}
		if _, err := db.Query(snap, store.Pattern{S: s}); err != nil {
			return err
		}
		queries++
	}
	readElapsed := time.Since(start)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "facts written\t%d\n", *n)
	fmt.Fprintf(w, "write elapsed\t%s\n", writeElapsed)
	fmt.Fprintf(w, "writes/sec\t%.0f\n", float64(*n)/writeElapsed.Seconds())
	fmt.Fprintf(w, "queries run\t%d\n", queries)
	fmt.Fprintf(w, "read elapsed\t%s\n", readElapsed)
	fmt.Fprintf(w, "queries/sec\t%.0f\n", float64(queries)/readElapsed.Seconds())
	return w.Flush()
}

// ---- hot --------------------------------------------------------------

func runHot(args []string) error {
	fs := flag.NewFlagSet("hot", flag.ExitOnError)
	ordering := fs.String("ordering", "SPO", "Ordering (SPO|POS|OSP)")
	n := fs.Int("n", 10, "Number of top primaries to show")
	db, err := openStoreMode(fs, args, true)
	if err != nil {
		return err
	}
	defer db.Close()

	o, err := store.ParseOrdering(*ordering)
	if err != nil {
		return err
	}

	top := db.HotTop(o, *n)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Count > top[j].Count })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "primary\tcount")
	for _, e := range top {
		fmt.Fprintf(w, "%d\t%d\n", e.Primary, e.Count)
	}
	return w.Flush()
}
