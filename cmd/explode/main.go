// Command explode explodes one or more ZIP archives into xzip's
// deduplicated sidecar format.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xzipfs/xzip"
	"github.com/xzipfs/xzip/internal/exploder"
)

var (
	debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	dir   = flag.String("d", ".", "alternate base for the exploded files")
	depth = flag.Int("depth", 0, "data subdirectory depth")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-d DIR] [-depth N] FILE...\n", os.Args[0])
	flag.PrintDefaults()
}

func funcmain() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, canc := xzip.InterruptibleContext()
	defer canc()

	errs := exploder.ExplodeAll(ctx, flag.Args(), *dir, *depth)
	var failed bool
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed = true
		if *debug {
			fmt.Fprintf(os.Stderr, "%s: %+v\n", flag.Arg(i), err)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(i), err)
		}
	}
	if failed {
		return fmt.Errorf("one or more archives failed to explode")
	}
	return xzip.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
