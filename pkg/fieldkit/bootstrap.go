package fieldkit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/sync/errgroup"
)

// bootstrapWindow is how long a completed bootstrap stays fresh. Within
// it a Bootstrap call for the same role is a no-op; the change log keeps
// the cache current in between.
const bootstrapWindow = 24 * time.Hour

// bootstrapper primes an empty or stale cache: the compressed seed
// bundle first when available, then the live datasets the device's role
// works from.
type bootstrapper struct {
	store  *Store
	remote *remote
	now    func() time.Time
}

func newBootstrapper(store *Store, remote *remote) *bootstrapper {
	return &bootstrapper{
		store:  store,
		remote: remote,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// dataset is one list endpoint a role primes from.
type dataset struct {
	path  string
	field string
	kind  Kind
}

func datasetsFor(role Role) []dataset {
	ds := []dataset{
		{"/api/v1/entities?status=active", "entities", KindEntity},
		{"/api/v1/incidents?status=active", "incidents", KindIncident},
	}
	switch role {
	case RoleAssessor:
		ds = append(ds, dataset{"/api/v1/assignments", "assignments", KindAssignment})
	case RoleResponder:
		ds = append(ds,
			dataset{"/api/v1/assessments?status=verified", "assessments", KindAssessment},
			dataset{"/api/v1/assignments", "assignments", KindAssignment},
		)
	case RoleDonor:
		ds = append(ds, dataset{"/api/v1/commitments", "commitments", KindCommitment})
	case RoleCoordinator, RoleAdmin:
		ds = append(ds,
			dataset{"/api/v1/assessments", "assessments", KindAssessment},
			dataset{"/api/v1/responses", "responses", KindResponse},
			dataset{"/api/v1/commitments", "commitments", KindCommitment},
			dataset{"/api/v1/assignments", "assignments", KindAssignment},
		)
	}
	return ds
}

// Bootstrap makes sure the cache is primed for the given role. ready
// reports whether the device can work from the cache afterwards; it is
// false without error when the device is offline with nothing cached,
// which is a state to retry from, not a failure.
//
// A bootstrap completed within the last day for the same role is
// considered fresh and skipped unless force is set. A role change always
// refetches, since each role primes different datasets.
func (b *bootstrapper) Bootstrap(ctx context.Context, role Role, force bool) (bool, error) {
	now := b.now()

	at, lastRole, stamped, err := b.store.LastBootstrap(ctx)
	if err != nil {
		return false, err
	}
	if !force && stamped && lastRole == role && now.Sub(at) < bootstrapWindow {
		return true, nil
	}

	if b.remote == nil {
		// Offline: stale data for the right role still beats nothing,
		// but a cache primed for another role (or never primed) is not
		// usable for this one.
		return stamped && lastRole == role, nil
	}

	// Capture the change log position before reading datasets, so the
	// first pull replays anything that lands mid-bootstrap instead of
	// the entire history.
	latestSeq, seqErr := b.latestSeq(ctx)

	// First run: the seed bundle bulk-loads reference data far cheaper
	// than paging the endpoints. Failure here is fine; the datasets
	// below fetch the same records live.
	if !stamped {
		_ = b.seedFromServer(ctx)
	}

	datasets := datasetsFor(role)
	results := make([]error, len(datasets)+1)

	g, gctx := errgroup.WithContext(ctx)
	for i, ds := range datasets {
		g.Go(func() error {
			results[i] = b.primeDataset(gctx, ds)
			return nil
		})
	}
	g.Go(func() error {
		results[len(datasets)] = b.primeConfig(gctx)
		return nil
	})
	_ = g.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}

	if failed == len(results) {
		// Nothing reachable; behave like the offline case.
		return stamped && lastRole == role, nil
	}

	if failed == 0 {
		if seqErr == nil {
			if err := b.store.SetCursor(ctx, latestSeq); err != nil {
				return true, err
			}
		}
		if err := b.store.MarkBootstrap(ctx, now, role); err != nil {
			return true, err
		}
	}
	// Partial success: usable now, but leave the stamp alone so the next
	// Bootstrap retries the gaps.
	return true, nil
}

// latestSeq asks the server for the current change log head.
func (b *bootstrapper) latestSeq(ctx context.Context) (int64, error) {
	resp, err := b.remote.Pull(ctx, 0, 1)
	if err != nil {
		return 0, err
	}
	return resp.LatestSeq, nil
}

func (b *bootstrapper) primeDataset(ctx context.Context, ds dataset) error {
	items, err := b.remote.ListDataset(ctx, ds.path, ds.field)
	if err != nil {
		return err
	}
	for _, raw := range items {
		var probe recordProbe
		if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
			continue
		}
		if _, err := b.store.ApplyServerUpsert(ctx, ds.kind, probe.ID, raw, probe.Version, probe.updatedOr(b.now())); err != nil {
			return err
		}
	}
	return nil
}

func (b *bootstrapper) primeConfig(ctx context.Context) error {
	raw, err := b.remote.FetchConfig(ctx)
	if err != nil {
		return err
	}
	_, err = b.store.ApplyServerUpsert(ctx, KindConfig, "config", raw, 0, b.now())
	return err
}

// seedFromServer downloads, decompresses, and applies the seed bundle.
func (b *bootstrapper) seedFromServer(ctx context.Context) error {
	data, generatedAt, err := b.remote.SeedBytes(ctx)
	if err != nil {
		return err
	}

	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("decompress seed: %w", err)
	}

	var bundle SeedBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	if bundle.GeneratedAt.IsZero() {
		bundle.GeneratedAt = generatedAt
	}

	_, err = b.store.ApplySeed(ctx, bundle)
	return err
}
