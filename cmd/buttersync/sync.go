package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/logging"
	"github.com/amescornish/buttersync/internal/metrics"
	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/planner"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/transfer"
)

// jobMetrics is shared by every sync job run in this process, so
// repeated invocations against the same Prometheus registry accumulate
// rather than re-registering (which would panic).
var jobMetrics = metrics.New(prometheus.DefaultRegisterer)

// runSync builds every store named in job, asks the planner for the
// minimum-cost plan reaching job.Required (or every volume the
// destination lacks, if Required is empty), then walks the plan
// executing one transfer per retained node in ascending height order,
// so a chain's predecessor always lands before its dependent.
func runSync(ctx context.Context, log *slog.Logger, job *config.SyncJob, g config.GlobalConfig) error {
	stores, known, closeAll, err := openJobStores(ctx, job, g)
	if err != nil {
		return err
	}
	defer closeAll(ctx)

	dest := stores[len(stores)-1]
	sources := stores[:len(stores)-1]

	p := planner.New(stores, planner.WithChunkSize(g.ChunkSize), planner.WithMetrics(jobMetrics))
	required, err := requiredVolumes(ctx, sources, dest, job.Required)
	if err != nil {
		return err
	}

	plan, err := p.Analyze(ctx, required)
	if err != nil {
		return fmt.Errorf("buttersync: planning %q: %w", job.Name, err)
	}

	for _, n := range plan.Nodes {
		if n.Diff == nil {
			continue
		}
		if err := executeNode(ctx, log, n, dest, known, g); err != nil {
			return fmt.Errorf("buttersync: transferring %s: %w", n.Diff, err)
		}
	}

	if job.DeleteUnused {
		deleted, err := dest.DeleteUnused(ctx, g.DryRun)
		if err != nil {
			return fmt.Errorf("buttersync: deleting unused at %s: %w", dest.Name(), err)
		}
		for _, v := range deleted {
			log.Info("deleted unused volume", slog.String("uuid", v.UUID.String()))
		}
	}

	if err := emptyTrash(ctx, log, dest, g); err != nil {
		return fmt.Errorf("buttersync: emptying trash at %s: %w", dest.Name(), err)
	}

	return nil
}

// trashEmptier is implemented only by stores whose DeleteUnused stages
// removals rather than applying them immediately (s3store's trash/
// prefix copy-then-delete, per spec §4.6); other backends have nothing
// to garbage-collect.
type trashEmptier interface {
	EmptyTrash(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// emptyTrash runs the S3 trash GC pass (SPEC_FULL supplemented
// feature) whenever dest supports it and g.TrashTTL is configured; a
// dry run skips it, since EmptyTrash has no dry-run mode of its own.
func emptyTrash(ctx context.Context, log *slog.Logger, dest store.Store, g config.GlobalConfig) error {
	te, ok := dest.(trashEmptier)
	if !ok || g.TrashTTL <= 0 || g.DryRun {
		return nil
	}
	removed, err := te.EmptyTrash(ctx, g.TrashTTL)
	if err != nil {
		return err
	}
	for _, key := range removed {
		log.Info("emptied trash object", slog.String("key", key))
	}
	return nil
}

func executeNode(ctx context.Context, log *slog.Logger, n *planner.Node, dest store.Store, known *model.KnownSizes, g config.GlobalConfig) error {
	diff := n.Diff
	if dest.HasEdge(ctx, diff) {
		dest.Keep(diff)
		return nil
	}

	src, ok := diff.Sink.(store.Store)
	if !ok {
		return fmt.Errorf("diff sink %q is not a Store", diff.Sink.Name())
	}

	r, err := src.Send(ctx, diff)
	if err != nil {
		return fmt.Errorf("send from %s: %w", src.Name(), err)
	}
	if r == nil {
		// Dry run: nothing to read or write.
		return nil
	}
	defer r.Close()

	candidatePaths := src.GetPaths(diff.ToVol)
	w, err := dest.Receive(ctx, diff, candidatePaths)
	if err != nil {
		return fmt.Errorf("receive at %s: %w", dest.Name(), err)
	}
	if w == nil {
		return nil
	}

	written, err := transfer.Copy(ctx, w, r, transfer.Options{
		ChunkSize:   g.ChunkSize,
		Metrics:     jobMetrics,
		Source:      src.Name(),
		Destination: dest.Name(),
	})
	closeErr := w.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	from := uuid.Nil
	if diff.FromVol != nil {
		from = diff.FromVol.UUID
	}
	known.SetMeasured(ctx, diff.ToVol.UUID, from, written)

	if err := writeVolumeInfo(ctx, dest, candidatePaths, diff, known); err != nil {
		return fmt.Errorf("writing volume info: %w", err)
	}

	dest.Keep(diff)
	log.Info("transferred volume", slog.String("uuid", diff.ToVol.UUID.String()), slog.Uint64("bytes", written))
	return nil
}

// writeVolumeInfo persists the known-sizes sidecar for diff.ToVol (spec
// §6's "<to_uuid>\t<from_uuid>\t<size_bytes>\n" format) alongside the
// volume just received, so a later process opening this store recovers
// the exact size without re-measuring.
func writeVolumeInfo(ctx context.Context, dest store.Store, candidatePaths []string, diff *model.Diff, known *model.KnownSizes) error {
	w, err := dest.ReceiveVolumeInfo(ctx, candidatePaths)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	if err := known.SaveSidecar(w, diff.ToVol.UUID); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// requiredVolumes resolves job.Required (by-name filters applied at the
// store layer already) into the concrete Volumes to sync; an empty
// filter means "everything every source offers", i.e. every volume any
// source holds that the destination doesn't already have.
func requiredVolumes(ctx context.Context, sources []store.Store, dest store.Store, filter []string) ([]*model.Volume, error) {
	byUUID := make(map[string]*model.Volume)
	var all []*model.Volume
	for _, s := range sources {
		vols, err := s.ListVolumes(ctx)
		if err != nil {
			return nil, fmt.Errorf("buttersync: listing volumes at %s: %w", s.Name(), err)
		}
		for _, v := range vols {
			key := v.UUID.String()
			if _, seen := byUUID[key]; seen {
				continue
			}
			byUUID[key] = v
			all = append(all, v)
		}
	}

	if len(filter) == 0 {
		destVols, err := dest.ListVolumes(ctx)
		if err != nil {
			return nil, fmt.Errorf("buttersync: listing volumes at %s: %w", dest.Name(), err)
		}
		haveDest := make(map[string]struct{}, len(destVols))
		for _, v := range destVols {
			haveDest[v.UUID.String()] = struct{}{}
		}

		var required []*model.Volume
		for _, v := range all {
			if _, ok := haveDest[v.UUID.String()]; !ok {
				required = append(required, v)
			}
		}
		return required, nil
	}

	var required []*model.Volume
	for _, name := range filter {
		if v, ok := byUUID[name]; ok {
			required = append(required, v)
		}
	}
	return required, nil
}

func openJobStores(ctx context.Context, job *config.SyncJob, g config.GlobalConfig) ([]store.Store, *model.KnownSizes, func(context.Context), error) {
	stores := make([]store.Store, 0, len(job.Sources)+1)
	names := make([]string, 0, len(job.Sources)+1)

	for i, sc := range job.Sources {
		name := storeName(sc, fmt.Sprintf("source-%d", i))
		s, err := buildStore(ctx, name, sc, g, g.DryRun)
		if err != nil {
			return nil, nil, noop, err
		}
		stores = append(stores, s)
		names = append(names, name)
	}

	destName := storeName(job.Destination, "destination")
	dest, err := buildStore(ctx, destName, job.Destination, g, g.DryRun)
	if err != nil {
		return nil, nil, noop, err
	}
	stores = append(stores, dest)
	names = append(names, destName)

	known := model.NewKnownSizes()
	for i, s := range stores {
		if err := s.Open(ctx, known); err != nil {
			return nil, nil, noop, fmt.Errorf("buttersync: opening %s: %w", names[i], err)
		}
	}

	closeAll := func(ctx context.Context) {
		for _, s := range stores {
			if err := s.Close(ctx); err != nil {
				logging.WithError(slog.Default(), err, "closing store failed")
			}
		}
	}
	return stores, known, closeAll, nil
}

func noop(context.Context) {}

func storeName(sc config.StoreConfig, fallback string) string {
	switch sc.Type {
	case "btrfs":
		if sc.Btrfs != nil {
			return "btrfs://" + sc.Btrfs.Root
		}
	case "s3":
		if sc.S3 != nil {
			return "s3://" + sc.S3.Bucket + "/" + sc.S3.Prefix
		}
	case "ssh":
		if sc.SSH != nil {
			return "ssh://" + sc.SSH.Host + sc.SSH.Dir
		}
	}
	return fallback
}
