// lumen-mir runs lifetime completion over a textual MIR module and prints
// the completed module.
//
// Usage:
//
//	lumen-mir [flags] input.mir
//
// With -watch the tool stays resident and reruns completion whenever the
// input file changes, which is convenient while hand-editing test cases.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/lumen-lang/lumen/internal/mir"
)

func main() {
	var (
		policyName  = flag.String("policy", "", "boundary policy: default, liveness, availability, availability_with_leaks")
		fnName      = flag.String("fn", "", "complete only the named function")
		noDominance = flag.Bool("no-dominance", false, "run without dominance information")
		configPath  = flag.String("config", "", "YAML config file with per-function policies")
		watch       = flag.Bool("watch", false, "rerun on input file changes")
		output      = flag.String("o", "", "output file (default stdout)")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lumen-mir [flags] input.mir")
		flag.PrintDefaults()
		os.Exit(2)
	}
	input := flag.Arg(0)

	var cfg *mir.Config
	if *configPath != "" {
		var err error
		cfg, err = mir.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("lumen-mir: %v", err)
		}
	}
	if cfg != nil && cfg.NoDominance {
		*noDominance = true
	}
	flagPolicy, err := mir.ParsePolicy(*policyName)
	if err != nil {
		log.Fatalf("lumen-mir: %v", err)
	}

	run := func() error {
		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		m, err := mir.ParseModule(string(data))
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
		for _, f := range m.Functions {
			if *fnName != "" && f.Name != *fnName {
				continue
			}
			policy := flagPolicy
			if *policyName == "" && cfg != nil {
				policy = cfg.PolicyFor(f.Name)
			}
			var dom *mir.DomTree
			if !*noDominance {
				dom = mir.ComputeDomTree(f)
			}
			n, lc := mir.CompleteAll(f, dom, policy)
			if n > 0 {
				log.Printf("lumen-mir: @%s: completed %d lifetimes", f.Name, n)
			}
			for _, b := range lc.UnenclosedMerges() {
				log.Printf("lumen-mir: @%s: unenclosed merge at %s", f.Name, b.Name)
			}
		}
		out := os.Stdout
		if *output != "" {
			out, err = os.Create(*output)
			if err != nil {
				return err
			}
			defer out.Close()
		}
		_, err = fmt.Fprint(out, m.String())
		return err
	}

	if err := run(); err != nil {
		log.Fatalf("lumen-mir: %v", err)
	}
	if !*watch {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("lumen-mir: watch: %v", err)
	}
	defer w.Close()
	if err := w.Add(input); err != nil {
		log.Fatalf("lumen-mir: watch %s: %v", input, err)
	}
	log.Printf("lumen-mir: watching %s", input)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := run(); err != nil {
				log.Printf("lumen-mir: %v", err)
			}
			// Editors replace files; re-arm the watch for the new inode.
			if ev.Op&fsnotify.Create != 0 {
				_ = w.Add(input)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("lumen-mir: watch: %v", err)
		}
	}
}
