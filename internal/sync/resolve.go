package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/sitrep/internal/types"
)

// Strategy names accepted in configuration.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyFieldMerge    = "field_merge"
	StrategyManual        = "manual"
)

// Winner identifies which side a strategy picked.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
	WinnerMerged Winner = "merged"
	// WinnerNone means the strategy declined to decide; the conflict stays
	// pending and the server's state stands until a coordinator rules.
	WinnerNone Winner = ""
)

// Candidate is one side of a conflict as seen by a strategy.
type Candidate struct {
	Payload   json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// Decision is a strategy's verdict. Payload is the canonical record state to
// apply when Winner is WinnerLocal or WinnerMerged; it is ignored otherwise.
// Reasons explain the verdict for the conflict audit trail.
type Decision struct {
	Winner  Winner
	Payload json.RawMessage
	Reasons []string
}

// Strategy resolves a concurrent edit between a device payload and the
// server's current state. Implementations must be pure: no I/O, no clock
// reads, decisions derived only from the candidates.
type Strategy interface {
	Name() string
	Resolve(local, server Candidate) Decision
}

var (
	_ Strategy = (*LastWriteWins)(nil)
	_ Strategy = (*FieldMerge)(nil)
	_ Strategy = (*Manual)(nil)
)

// LastWriteWins keeps whichever side was written most recently. Ties go to
// the server: phone clocks drift, and a verified server write should never
// lose to a device write it cannot be proven older than.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return StrategyLastWriteWins }

func (LastWriteWins) Resolve(local, server Candidate) Decision {
	if local.UpdatedAt.After(server.UpdatedAt) {
		return Decision{
			Winner:  WinnerLocal,
			Payload: local.Payload,
			Reasons: []string{
				fmt.Sprintf("device write %s newer than server write %s",
					local.UpdatedAt.UTC().Format(time.RFC3339), server.UpdatedAt.UTC().Format(time.RFC3339)),
			},
		}
	}
	reason := fmt.Sprintf("server write %s newer than device write %s",
		server.UpdatedAt.UTC().Format(time.RFC3339), local.UpdatedAt.UTC().Format(time.RFC3339))
	if !server.UpdatedAt.After(local.UpdatedAt) {
		reason = "timestamps equal, server wins ties"
	}
	return Decision{
		Winner:  WinnerServer,
		Payload: server.Payload,
		Reasons: []string{reason},
	}
}

// FieldMerge unions the top-level JSON fields of both payloads. Fields present
// on only one side are kept; fields present on both take the value from the
// side written most recently. Payloads that fail to parse drop the merge and
// fall back to last-write-wins.
type FieldMerge struct{}

func (FieldMerge) Name() string { return StrategyFieldMerge }

func (FieldMerge) Resolve(local, server Candidate) Decision {
	var localFields, serverFields map[string]json.RawMessage
	if err := json.Unmarshal(local.Payload, &localFields); err != nil {
		dec := LastWriteWins{}.Resolve(local, server)
		dec.Reasons = append([]string{"device payload not mergeable, falling back to last write wins"}, dec.Reasons...)
		return dec
	}
	if err := json.Unmarshal(server.Payload, &serverFields); err != nil {
		dec := LastWriteWins{}.Resolve(local, server)
		dec.Reasons = append([]string{"server payload not mergeable, falling back to last write wins"}, dec.Reasons...)
		return dec
	}

	newerIsLocal := local.UpdatedAt.After(server.UpdatedAt)
	merged := make(map[string]json.RawMessage, len(serverFields)+len(localFields))
	for k, v := range serverFields {
		merged[k] = v
	}
	var overlaps int
	for k, v := range localFields {
		if _, both := serverFields[k]; both {
			overlaps++
			if !newerIsLocal {
				continue
			}
		}
		merged[k] = v
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		dec := LastWriteWins{}.Resolve(local, server)
		dec.Reasons = append([]string{"merge result not encodable, falling back to last write wins"}, dec.Reasons...)
		return dec
	}
	side := "server"
	if newerIsLocal {
		side = "device"
	}
	return Decision{
		Winner:  WinnerMerged,
		Payload: payload,
		Reasons: []string{
			fmt.Sprintf("merged %d device fields into server record, %d overlapping fields taken from newer %s side",
				len(localFields), overlaps, side),
		},
	}
}

// Manual never auto-resolves; every conflict goes to a coordinator.
type Manual struct{}

func (Manual) Name() string { return StrategyManual }

func (Manual) Resolve(local, server Candidate) Decision {
	return Decision{
		Winner:  WinnerNone,
		Reasons: []string{"manual review required for this record kind"},
	}
}

// Registry maps record kinds to resolution strategies with a configurable
// default.
type Registry struct {
	fallback Strategy
	byKind   map[types.RecordKind]Strategy
}

// NewRegistry builds a registry from strategy names. Unknown names are
// rejected so a config typo fails at startup, not at the first conflict.
func NewRegistry(defaultName string, overrides map[string]string) (*Registry, error) {
	fallback, err := strategyByName(defaultName)
	if err != nil {
		return nil, fmt.Errorf("default strategy: %w", err)
	}
	byKind := make(map[types.RecordKind]Strategy, len(overrides))
	for kind, name := range overrides {
		if !types.ValidSyncableKind(types.RecordKind(kind)) {
			return nil, fmt.Errorf("strategy override for unknown record kind %q", kind)
		}
		s, err := strategyByName(name)
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", kind, err)
		}
		byKind[types.RecordKind(kind)] = s
	}
	return &Registry{fallback: fallback, byKind: byKind}, nil
}

// For returns the strategy for a record kind.
func (r *Registry) For(kind types.RecordKind) Strategy {
	if s, ok := r.byKind[kind]; ok {
		return s
	}
	return r.fallback
}

func strategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyLastWriteWins:
		return LastWriteWins{}, nil
	case StrategyFieldMerge:
		return FieldMerge{}, nil
	case StrategyManual:
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
