package exploder

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ExplodeAll explodes every archive in archivePaths concurrently,
// isolating each archive's failure from the others: one archive's error
// is reported back but does not prevent the rest from completing,
// mirroring the teacher's scanPackages policy of logging rather than
// aborting a batch on a single package's failure.
//
// The returned slice has one entry per archivePaths entry, in the same
// order, nil where exploding succeeded (including a silent non-ZIP
// decline).
func ExplodeAll(ctx context.Context, archivePaths []string, baseDir string, depth int) []error {
	errs := make([]error, len(archivePaths))
	g, ctx := errgroup.WithContext(ctx)
	for i, archivePath := range archivePaths {
		i, archivePath := i, archivePath
		g.Go(func() error {
			if err := Explode(ctx, archivePath, baseDir, depth); err != nil {
				errs[i] = xerrors.Errorf("exploding %s: %w", archivePath, err)
			}
			return nil
		})
	}
	// g.Wait()'s own error is always nil because each goroutine recovers
	// its error into errs instead of returning it — a batch never
	// short-circuits on one archive's failure.
	_ = g.Wait()
	return errs
}
