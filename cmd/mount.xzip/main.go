// Command mount.xzip mounts a directory of exploded archives as a
// read-only FUSE filesystem.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip"
	"github.com/xzipfs/xzip/internal/xzipfuse"
)

var (
	depth      = flag.Int("depth", 0, "data subdirectory depth")
	debugLog   = flag.Bool("D", false, "enable FUSE debug logging")
	foreground = flag.Bool("f", false, "run in the foreground (accepted for CLI parity; this mount never daemonizes)")
	single     = flag.Bool("s", false, "single-threaded operation (accepted for CLI parity; jacobsa/fuse has no such knob, so this has no effect)")
	options    = flag.String("o", "", "comma-separated FUSE mount options, K=V or K")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-depth N] [-D] [-f] [-s] [-o K=V,...] BASE MOUNTPOINT\n", os.Args[0])
	flag.PrintDefaults()
}

func parseOptions(s string) map[string]string {
	opts := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		if kv == "" {
			continue
		}
		if i := strings.IndexByte(kv, '='); i >= 0 {
			opts[kv[:i]] = kv[i+1:]
		} else {
			opts[kv] = ""
		}
	}
	return opts
}

func funcmain() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	baseDir, mountpoint := flag.Arg(0), flag.Arg(1)

	fs, err := xzipfuse.New(baseDir, *depth)
	if err != nil {
		return xerrors.Errorf("mount.xzip: building filesystem: %w", err)
	}
	server := fuseutil.NewFileSystemServer(fs)

	cfg := &fuse.MountConfig{
		FSName:               "xzip",
		ReadOnly:             true,
		Options:              parseOptions(*options),
		EnableSymlinkCaching: true,
	}
	if *debugLog {
		cfg.DebugLogger = log.New(os.Stderr, "[debug] ", log.LstdFlags)
	}

	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return xerrors.Errorf("mount.xzip: mounting at %s: %w", mountpoint, err)
	}

	ctx, canc := xzip.InterruptibleContext()
	defer canc()
	go func() {
		<-ctx.Done()
		if err := fuse.Unmount(mountpoint); err != nil {
			fmt.Fprintf(os.Stderr, "mount.xzip: unmount %s: %v\n", mountpoint, err)
		}
	}()

	if err := mfs.Join(ctx); err != nil {
		return xerrors.Errorf("mount.xzip: %w", err)
	}
	return xzip.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
