package fieldkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// syncer drains the outbox into push batches and applies the server
// change log to the local cache.
type syncer struct {
	store  *Store
	remote *remote
	cfg    Config
	now    func() time.Time
}

func newSyncer(store *Store, remote *remote, cfg Config) *syncer {
	return &syncer{
		store:  store,
		remote: remote,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// backoffDelay returns min(2^attempts * base, cap) for the given
// attempt count.
func backoffDelay(attempts int, base, cap time.Duration) time.Duration {
	if attempts > 30 {
		return cap
	}
	d := base * (1 << uint(attempts))
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// PushOnce sends one batch of due mutations and settles each result.
// Returns how many mutations left the outbox.
func (s *syncer) PushOnce(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.DueMutations(ctx, now, s.cfg.PushBatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	req := pushRequest{
		PushID:   uuid.NewString(),
		DeviceID: s.store.DeviceID(),
	}
	byID := make(map[string]Mutation, len(due))
	for _, m := range due {
		byID[m.ID] = m
		req.Mutations = append(req.Mutations, wireMutation{
			ID:          m.ID,
			Kind:        m.Kind,
			RecordID:    m.RecordID,
			Op:          m.Op,
			BaseVersion: m.BaseVersion,
			Payload:     m.Payload,
			ClientTime:  m.ClientTime,
		})
	}

	resp, err := s.remote.Push(ctx, req)
	if err != nil {
		if ferr := s.failBatch(ctx, due, now, err); ferr != nil {
			return 0, errors.Join(err, ferr)
		}
		return 0, err
	}

	settled := 0
	for _, result := range resp.Results {
		m, ok := byID[result.MutationID]
		if !ok {
			continue
		}
		if err := s.settle(ctx, m, result, now); err != nil {
			return settled, err
		}
		switch result.Outcome {
		case OutcomePending, OutcomeRejected:
		default:
			settled++
		}
	}
	return settled, nil
}

// failBatch books one failed attempt for every mutation in the batch:
// attempts goes up by exactly one and the next retry backs off
// exponentially. Mutations that exhaust their budget are parked, not
// dropped.
func (s *syncer) failBatch(ctx context.Context, batch []Mutation, now time.Time, cause error) error {
	for _, m := range batch {
		nextRetry := now.Add(backoffDelay(m.Attempts+1, s.cfg.RetryBase, s.cfg.RetryCap))
		attempts, err := s.store.MarkAttempt(ctx, m.ID, now, nextRetry, cause.Error())
		if err != nil {
			return err
		}
		if attempts >= s.cfg.MaxAttempts {
			msg := fmt.Sprintf("parked after %d attempts: %v", attempts, cause)
			if err := s.store.ParkMutation(ctx, m.ID, QueueFailed, msg); err != nil {
				return err
			}
			if err := s.store.MarkRecordFailed(ctx, m.Kind, m.RecordID); err != nil {
				return err
			}
		}
	}
	return nil
}

// settle applies one push result to the local cache.
func (s *syncer) settle(ctx context.Context, m Mutation, result mutationResult, now time.Time) error {
	switch result.Outcome {
	case OutcomeApplied, OutcomeResolvedLocal:
		// The server accepted this device's payload; the cached copy is
		// already canonical, so just stamp the new version.
		if err := s.store.RemoveMutation(ctx, m.ID); err != nil {
			return err
		}
		return s.store.MarkRecordSynced(ctx, m.Kind, m.RecordID, result.Version, now)

	case OutcomeResolvedServer, OutcomeMerged, OutcomeDuplicate:
		// The server's copy may differ from what this device holds, and
		// any pull that ran while the mutation was queued skipped this
		// record. Fetch the canonical state directly.
		if err := s.store.RemoveMutation(ctx, m.ID); err != nil {
			return err
		}
		return s.refreshRecord(ctx, m.Kind, m.RecordID)

	case OutcomePending:
		detail := result.Detail
		if result.ConflictID != "" {
			detail = fmt.Sprintf("awaiting conflict review %s", result.ConflictID)
		}
		return s.store.ParkMutation(ctx, m.ID, QueueConflict, detail)

	case OutcomeRejected:
		if err := s.store.ParkMutation(ctx, m.ID, QueueFailed, result.Detail); err != nil {
			return err
		}
		return s.store.MarkRecordFailed(ctx, m.Kind, m.RecordID)

	default:
		return fmt.Errorf("mutation %s: unknown outcome %q", m.ID, result.Outcome)
	}
}

// refreshRecord overwrites the cached record with the server's current
// state; a 404 means the server deleted it.
func (s *syncer) refreshRecord(ctx context.Context, kind Kind, id string) error {
	raw, version, updatedAt, err := s.remote.FetchRecord(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		_, derr := s.store.ApplyServerDelete(ctx, kind, id)
		return derr
	}
	if err != nil {
		return err
	}
	_, err = s.store.ApplyServerUpsert(ctx, kind, id, raw, version, updatedAt)
	return err
}

// Pull pages through the change log from the saved cursor and applies
// each entry. Records with queued mutations are left alone; the cursor
// still advances because their state is repaired when the mutation
// settles.
func (s *syncer) Pull(ctx context.Context) (int, error) {
	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	received := 0
	for {
		resp, err := s.remote.Pull(ctx, cursor, s.cfg.PullBatchSize)
		if err != nil {
			return received, err
		}

		for _, e := range resp.Entries {
			switch e.Op {
			case OpDelete:
				if _, err := s.store.ApplyServerDelete(ctx, e.Kind, e.RecordID); err != nil {
					return received, err
				}
			default:
				if _, err := s.store.ApplyServerUpsert(ctx, e.Kind, e.RecordID, e.Payload, e.Version, e.LoggedAt); err != nil {
					return received, err
				}
			}
			cursor = e.Seq
			received++
		}

		if err := s.store.SetCursor(ctx, cursor); err != nil {
			return received, err
		}
		if !resp.HasMore {
			return received, nil
		}
	}
}

// SyncOnce runs one push pass followed by one pull pass.
func (s *syncer) SyncOnce(ctx context.Context) (SyncResult, error) {
	start := s.now()

	pushed, pushErr := s.PushOnce(ctx)
	pulled, pullErr := s.Pull(ctx)

	return SyncResult{
		Pushed:   pushed,
		Pulled:   pulled,
		Duration: s.now().Sub(start),
	}, errors.Join(pushErr, pullErr)
}
