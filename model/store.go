package model

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
)

// UpdatedField is the reserved view field holding the last write time.
const UpdatedField = "__updated"

// MappingKind selects one of the two reverse indexes.
type MappingKind int

// Reverse index kinds
const (
	KindMeasurement MappingKind = iota
	KindAction
)

// Store persists model definitions and maintains the reverse indexes
// and template membership sets on the bus.
type Store struct {
	ks     bus.Keyspace
	logger *slog.Logger
}

// NewStore creates a model store over the given bus.
func NewStore(ks bus.Keyspace) *Store {
	return &Store{
		ks:     ks,
		logger: slog.Default().With("component", "model"),
	}
}

// Get loads a model definition. Unknown ids return errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, modelID string) (Model, error) {
	raw, err := s.ks.Get(ctx, bus.ModelKey(modelID))
	if err != nil {
		if errors.IsNotFound(err) {
			return Model{}, fmt.Errorf("model %q: %w", modelID, errors.ErrNotFound)
		}
		return Model{}, errors.WrapTransient(err, "Store", "Get", "read model")
	}
	return Decode(raw)
}

// Save validates and writes a model definition, rebuilding its reverse
// index entries and template membership in a single atomic batch. Stale
// entries from a previous version of the model are removed.
func (s *Store) Save(ctx context.Context, m Model) error {
	if err := m.Validate(); err != nil {
		return err
	}

	raw, err := m.Encode()
	if err != nil {
		return err
	}

	var ops []bus.Op

	prev, err := s.Get(ctx, m.ModelID)
	switch {
	case err == nil:
		ops = append(ops, s.staleOps(prev, m)...)
	case errors.IsNotFound(err):
		// first save
	default:
		return err
	}

	ops = append(ops, bus.Op{Kind: bus.OpSet, Key: bus.ModelKey(m.ModelID), Value: raw})

	for name, mapping := range m.Measurements {
		entry, encErr := ReverseEntry{ModelID: m.ModelID, PointName: name}.encode()
		if encErr != nil {
			return encErr
		}
		ops = append(ops, bus.Op{Kind: bus.OpSet, Key: bus.ReverseKey(mapping.Channel, mapping.Point), Value: entry})
	}
	for name, mapping := range m.Actions {
		entry, encErr := ReverseEntry{ModelID: m.ModelID, PointName: name}.encode()
		if encErr != nil {
			return encErr
		}
		ops = append(ops, bus.Op{Kind: bus.OpSet, Key: bus.ReverseActionKey(mapping.Channel, mapping.Point), Value: entry})
	}

	if m.Template != "" {
		ops = append(ops, bus.Op{Kind: bus.OpSAdd, Key: bus.ModelsByTemplateKey(m.Template), Names: []string{m.ModelID}})
	}

	if err := s.ks.Batch(ctx, ops); err != nil {
		return errors.WrapTransient(err, "Store", "Save", "write model batch")
	}

	s.logger.Debug("model saved",
		"model_id", m.ModelID,
		"measurements", len(m.Measurements),
		"actions", len(m.Actions))
	return nil
}

// staleOps removes reverse entries and template membership that the new
// version of the model no longer claims.
func (s *Store) staleOps(prev, next Model) []bus.Op {
	var ops []bus.Op

	for _, mapping := range prev.Measurements {
		if !claimsMapping(next.Measurements, mapping) {
			ops = append(ops, bus.Op{Kind: bus.OpDelete, Key: bus.ReverseKey(mapping.Channel, mapping.Point)})
		}
	}
	for _, mapping := range prev.Actions {
		if !claimsMapping(next.Actions, mapping) {
			ops = append(ops, bus.Op{Kind: bus.OpDelete, Key: bus.ReverseActionKey(mapping.Channel, mapping.Point)})
		}
	}
	if prev.Template != "" && prev.Template != next.Template {
		ops = append(ops, bus.Op{Kind: bus.OpSRem, Key: bus.ModelsByTemplateKey(prev.Template), Names: []string{prev.ModelID}})
	}
	return ops
}

func claimsMapping(mappings map[string]Mapping, target Mapping) bool {
	for _, m := range mappings {
		if m.Channel == target.Channel && m.Point == target.Point {
			return true
		}
	}
	return false
}

// Delete removes a model, its realtime views, its reverse entries and
// its template membership in one batch. Unknown ids return ErrNotFound.
func (s *Store) Delete(ctx context.Context, modelID string) error {
	m, err := s.Get(ctx, modelID)
	if err != nil {
		return err
	}

	ops := []bus.Op{
		{Kind: bus.OpDelete, Key: bus.ModelKey(modelID)},
		{Kind: bus.OpDelete, Key: bus.MeasurementKey(modelID)},
		{Kind: bus.OpDelete, Key: bus.ActionKey(modelID)},
	}
	for _, mapping := range m.Measurements {
		ops = append(ops, bus.Op{Kind: bus.OpDelete, Key: bus.ReverseKey(mapping.Channel, mapping.Point)})
	}
	for _, mapping := range m.Actions {
		ops = append(ops, bus.Op{Kind: bus.OpDelete, Key: bus.ReverseActionKey(mapping.Channel, mapping.Point)})
	}
	if m.Template != "" {
		ops = append(ops, bus.Op{Kind: bus.OpSRem, Key: bus.ModelsByTemplateKey(m.Template), Names: []string{modelID}})
	}

	if err := s.ks.Batch(ctx, ops); err != nil {
		return errors.WrapTransient(err, "Store", "Delete", "delete model batch")
	}
	return nil
}

// Resolve maps a raw channel point back to the model point that owns it.
// Unmapped points return errors.ErrNotFound.
func (s *Store) Resolve(ctx context.Context, channelID, pointID int, kind MappingKind) (ReverseEntry, error) {
	key := bus.ReverseKey(channelID, pointID)
	if kind == KindAction {
		key = bus.ReverseActionKey(channelID, pointID)
	}

	raw, err := s.ks.Get(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return ReverseEntry{}, fmt.Errorf("point %d:%d is not mapped: %w", channelID, pointID, errors.ErrNotFound)
		}
		return ReverseEntry{}, errors.WrapTransient(err, "Store", "Resolve", "read reverse entry")
	}
	return decodeReverseEntry(raw)
}

// View reads a model's realtime view. The returned values exclude the
// reserved __updated field, which is reported separately as Unix seconds
// (0 when the view has never been written).
func (s *Store) View(ctx context.Context, modelID string, kind MappingKind) (map[string]string, int64, error) {
	key := bus.MeasurementKey(modelID)
	if kind == KindAction {
		key = bus.ActionKey(modelID)
	}

	fields, err := s.ks.HGetAll(ctx, key)
	if err != nil {
		return nil, 0, errors.WrapTransient(err, "Store", "View", "read view")
	}

	var updated int64
	if raw, ok := fields[UpdatedField]; ok {
		updated, _ = strconv.ParseInt(raw, 10, 64)
		delete(fields, UpdatedField)
	}
	return fields, updated, nil
}

// ModelsByTemplate lists the ids of all models created from a template.
func (s *Store) ModelsByTemplate(ctx context.Context, template string) ([]string, error) {
	ids, err := s.ks.SMembers(ctx, bus.ModelsByTemplateKey(template))
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ModelsByTemplate", "read template set")
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns all model ids, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.ks.Keys(ctx, "modsrv:model:*")
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "List", "scan model keys")
	}

	var ids []string
	for _, key := range keys {
		id := strings.TrimPrefix(key, "modsrv:model:")
		if strings.HasSuffix(id, ":measurement") || strings.HasSuffix(id, ":action") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Channels lists the channel ids that have a point map of the given type
// for a source, sorted ascending.
func (s *Store) Channels(ctx context.Context, source string, typ point.Type) ([]int, error) {
	keys, err := s.ks.Keys(ctx, fmt.Sprintf("%s:*:%s", source, typ))
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Channels", "scan point maps")
	}

	var channels []int
	for _, key := range keys {
		_, channelID, _, ok := bus.ParsePointKey(key)
		if ok {
			channels = append(channels, channelID)
		}
	}
	sort.Ints(channels)
	return channels, nil
}
