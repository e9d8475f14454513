package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/pkg/storage"
)

// PersistenceShim snapshots the full rule set to a storage.Adapter and
// restores it at startup (§4.14).
type PersistenceShim struct {
	storage       storage.Adapter
	key           string
	schemaVersion int
	serverID      string
}

// PersistenceOptions configures a PersistenceShim.
type PersistenceOptions struct {
	Storage       storage.Adapter
	Key           string
	SchemaVersion int
	ServerID      string
}

// NewPersistenceShim constructs a shim writing to the given key (default
// "rules").
func NewPersistenceShim(opts PersistenceOptions) *PersistenceShim {
	if opts.Key == "" {
		opts.Key = "rules"
	}
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = 1
	}
	return &PersistenceShim{
		storage:       opts.Storage,
		key:           opts.Key,
		schemaVersion: opts.SchemaVersion,
		serverID:      opts.ServerID,
	}
}

type ruleSnapshot struct {
	Rules []rule.RuleInput `json:"rules"`
}

func ruleToInput(r rule.Rule) rule.RuleInput {
	priority := r.Priority
	enabled := r.Enabled
	return rule.RuleInput{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Priority:    &priority,
		Enabled:     &enabled,
		Tags:        append([]string(nil), r.Tags...),
		Group:       r.Group,
		Trigger:     r.Trigger,
		Conditions:  append([]rule.Condition(nil), r.Conditions...),
		Actions:     append([]rule.Action(nil), r.Actions...),
	}
}

// Export snapshots rules into a StoredState without touching storage; used
// both by Save and by operator-triggered manual exports.
func (p *PersistenceShim) Export(rules []rule.Rule) (storage.StoredState, error) {
	inputs := make([]rule.RuleInput, 0, len(rules))
	for _, r := range rules {
		inputs = append(inputs, ruleToInput(r))
	}

	raw, err := json.Marshal(ruleSnapshot{Rules: inputs})
	if err != nil {
		return storage.StoredState{}, fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	return storage.StoredState{
		State: raw,
		Metadata: storage.Metadata{
			PersistedAt:   time.Now().UTC(),
			ServerID:      p.serverID,
			SchemaVersion: p.schemaVersion,
		},
	}, nil
}

// Import parses a StoredState back into the RuleInputs it holds.
func (p *PersistenceShim) Import(state storage.StoredState) ([]rule.RuleInput, error) {
	var snap ruleSnapshot
	if len(state.State) > 0 {
		if err := json.Unmarshal(state.State, &snap); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal snapshot: %w", err)
		}
	}
	return snap.Rules, nil
}

// Save snapshots rules and writes them to the configured storage key. A
// no-op without a storage adapter.
func (p *PersistenceShim) Save(ctx context.Context, rules []rule.Rule) error {
	if p.storage == nil {
		return nil
	}
	state, err := p.Export(rules)
	if err != nil {
		return err
	}
	return p.storage.Save(ctx, p.key, state)
}

// Load restores the rule set previously saved at the configured key. It
// returns ok=false if no snapshot exists yet or no adapter is configured.
// Restored rules keep their ids; registering them again gives each a fresh
// version and timestamps whether or not the stored schema version differs,
// and Load does not consult SchemaChanged.
func (p *PersistenceShim) Load(ctx context.Context) ([]rule.RuleInput, bool, error) {
	if p.storage == nil {
		return nil, false, nil
	}
	state, ok, err := p.storage.Load(ctx, p.key)
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	inputs, err := p.Import(state)
	if err != nil {
		return nil, false, err
	}
	return inputs, true, nil
}

// SchemaChanged reports whether the stored snapshot's schema version
// differs from this shim's configured version.
func (p *PersistenceShim) SchemaChanged(ctx context.Context) (bool, error) {
	if p.storage == nil {
		return false, nil
	}
	state, ok, err := p.storage.Load(ctx, p.key)
	if err != nil || !ok {
		return false, err
	}
	return state.Metadata.SchemaVersion != p.schemaVersion, nil
}

// RestoreInto registers every rule from a loaded snapshot into the given
// registrar (typically an *Engine or *Dispatcher), preserving ids.
func (p *PersistenceShim) RestoreInto(registrar interface {
	RegisterRule(rule.RuleInput) (rule.Rule, error)
}, inputs []rule.RuleInput) error {
	for _, in := range inputs {
		if _, err := registrar.RegisterRule(in); err != nil {
			return fmt.Errorf("persistence: restore rule %s: %w", in.ID, err)
		}
	}
	return nil
}
