package gentimeredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lemmego/gentime"
)

// =====================================
// Repository Implementation
// =====================================

// Repository implements gentime.Repository on Redis strings holding JSON.
// Writes run inside WATCH/MULTI so version checks and generated values are
// applied atomically.
type Repository struct {
	client    *redis.Client
	mapping   *gentime.EntityMapping
	pipeline  *gentime.Pipeline
	keyPrefix string
	idIndex   []int
}

func newRepository(client *redis.Client, mapping *gentime.EntityMapping, pipeline *gentime.Pipeline) (*Repository, error) {
	t := mapping.Type()
	r := &Repository{
		client:    client,
		pipeline:  pipeline,
		keyPrefix: strings.ToLower(t.Name()),
	}

	for _, f := range reflect.VisibleFields(t) {
		if f.IsExported() && strings.EqualFold(jsonName(f), "id") {
			r.idIndex = f.Index
			break
		}
	}
	if r.idIndex == nil {
		return nil, gentime.NewError(gentime.ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s must have an ID field", mapping.Name()))
	}

	mapping, err := mapping.WithColumns(func(field string) string {
		if f, ok := t.FieldByName(field); ok {
			return jsonName(f)
		}
		return ""
	})
	if err != nil {
		return nil, err
	}
	r.mapping = mapping
	return r, nil
}

// jsonName returns the key encoding/json writes the field under
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// Mapping returns the generation mapping of the entity type
func (r *Repository) Mapping() *gentime.EntityMapping {
	return r.mapping
}

// Create stores entity under a new key. Empty string IDs get a UUID and
// zero integer IDs the next value of the "<type>:seq" counter.
func (r *Repository) Create(ctx context.Context, entity interface{}) error {
	if err := gentime.RunBeforeHooks(ctx, gentime.EventInsert, entity); err != nil {
		return err
	}
	plan, err := r.pipeline.Prepare(gentime.EventInsert, r.mapping, entity)
	if err != nil {
		return err
	}
	v, _ := r.mapping.Value(entity)
	idField := v.FieldByIndex(r.idIndex)

	assignedID, err := r.ensureID(ctx, idField)
	if err != nil {
		plan.Revert()
		return err
	}
	key := r.buildKey(idField.Interface())

	var now time.Time
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return gentime.NewErrorWithCode(gentime.ErrorTypeDuplicate, fmt.Sprintf("key already exists: %s", key), key)
		}
		if now, err = r.serverTime(ctx, tx, plan); err != nil {
			return err
		}
		doc, err := r.encode(v, plan, now)
		if err != nil {
			return err
		}
		return r.commit(ctx, tx, key, doc)
	}, key)
	if err != nil {
		plan.Revert()
		if assignedID {
			idField.Set(reflect.Zero(idField.Type()))
		}
		return r.convertError(err, plan)
	}

	applyGenerated(v, plan, now)
	return gentime.RunAfterHooks(ctx, gentime.EventInsert, entity)
}

// Update rewrites the stored document. Fields not triggered on update keep
// their stored values.
func (r *Repository) Update(ctx context.Context, entity interface{}) error {
	return r.write(ctx, gentime.EventUpdate, entity, true)
}

// SoftDelete writes the values generated on soft delete.
func (r *Repository) SoftDelete(ctx context.Context, entity interface{}) error {
	return r.write(ctx, gentime.EventSoftDelete, entity, false)
}

// ForceIncrement regenerates the version of entity.
func (r *Repository) ForceIncrement(ctx context.Context, entity interface{}) error {
	return r.write(ctx, gentime.EventForceIncrement, entity, false)
}

func (r *Repository) write(ctx context.Context, event gentime.EventType, entity interface{}, withData bool) error {
	if err := gentime.RunBeforeHooks(ctx, event, entity); err != nil {
		return err
	}
	plan, err := r.pipeline.Prepare(event, r.mapping, entity)
	if err != nil {
		return err
	}
	v, _ := r.mapping.Value(entity)
	key := r.buildKey(v.FieldByIndex(r.idIndex).Interface())

	var now time.Time
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			return r.missing(plan)
		}
		if err != nil {
			return err
		}
		if err := r.checkVersion(stored, plan); err != nil {
			return err
		}
		if now, err = r.serverTime(ctx, tx, plan); err != nil {
			return err
		}
		current, err := r.encode(v, plan, now)
		if err != nil {
			return err
		}
		return r.commit(ctx, tx, key, merge(stored, current, plan, withData))
	}, key)
	if err != nil {
		plan.Revert()
		return r.convertError(err, plan)
	}

	applyGenerated(v, plan, now)
	return gentime.RunAfterHooks(ctx, event, entity)
}

// UpdatePartial sets specific JSON keys and regenerates the values
// triggered on update. Generated fields cannot be named in updates.
func (r *Repository) UpdatePartial(ctx context.Context, id interface{}, updates map[string]interface{}) error {
	if err := gentime.GuardUpdates(r.mapping, updates); err != nil {
		return err
	}
	plan, err := r.pipeline.PreparePartial(gentime.EventUpdate, r.mapping)
	if err != nil {
		return err
	}
	key := r.buildKey(id)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		now, err := r.serverTime(ctx, tx, plan)
		if err != nil {
			return err
		}

		fresh := reflect.New(r.mapping.Type())
		if err := json.Unmarshal(stored.raw, fresh.Interface()); err != nil {
			return gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to decode stored entity", err)
		}
		for _, a := range plan.Assigned {
			a.Attribute.Set(fresh.Elem(), a.Value)
		}
		for _, a := range plan.Generated {
			a.Set(fresh.Elem(), now)
		}
		generated, err := toDocument(fresh.Interface())
		if err != nil {
			return err
		}

		doc := stored.doc
		for col, value := range updates {
			raw, err := json.Marshal(value)
			if err != nil {
				return gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, fmt.Sprintf("failed to serialize %s", col), err)
			}
			doc[col] = raw
		}
		for _, col := range plan.ColumnsGenerated() {
			doc[col] = generated[col]
		}
		return r.commit(ctx, tx, key, doc)
	}, key)
	return r.convertError(err, plan)
}

// Delete removes the entity stored under id
func (r *Repository) Delete(ctx context.Context, id interface{}) error {
	count, err := r.client.Del(ctx, r.buildKey(id)).Result()
	if err != nil {
		return convertRedisError(err)
	}
	if count == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// FindByID retrieves an entity by its ID
func (r *Repository) FindByID(ctx context.Context, id interface{}, dest interface{}) error {
	data, err := r.client.Get(ctx, r.buildKey(id)).Bytes()
	if err != nil {
		return convertRedisError(err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to decode entity", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the provider
func (r *Repository) Close() error {
	return nil
}

// =====================================
// Helper Methods
// =====================================

type storedDocument struct {
	raw []byte
	doc map[string]json.RawMessage
}

func (r *Repository) load(ctx context.Context, tx *redis.Tx, key string) (*storedDocument, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	stored := &storedDocument{raw: raw}
	if err := json.Unmarshal(raw, &stored.doc); err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to decode stored entity", err)
	}
	return stored, nil
}

// checkVersion compares the stored version with the one the entity was
// loaded with.
func (r *Repository) checkVersion(stored *storedDocument, plan *gentime.Plan) error {
	if plan.Version == nil {
		return nil
	}
	fresh := reflect.New(r.mapping.Type())
	if err := json.Unmarshal(stored.raw, fresh.Interface()); err != nil {
		return gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to decode stored entity", err)
	}
	current, ok := plan.Version.Attribute.Get(fresh.Elem())
	if !ok || !current.Equal(plan.Version.Previous) {
		return r.missing(plan)
	}
	return nil
}

// serverTime reads the server clock when the plan has backend generated
// values.
func (r *Repository) serverTime(ctx context.Context, tx *redis.Tx, plan *gentime.Plan) (time.Time, error) {
	if len(plan.Generated) == 0 {
		return time.Time{}, nil
	}
	now, err := tx.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC(), nil
}

// encode returns the JSON document of the entity with the server values
// applied to a copy, leaving the entity itself untouched.
func (r *Repository) encode(v reflect.Value, plan *gentime.Plan, now time.Time) (map[string]json.RawMessage, error) {
	c := reflect.New(v.Type())
	c.Elem().Set(v)
	applyGenerated(c.Elem(), plan, now)
	return toDocument(c.Interface())
}

func (r *Repository) commit(ctx context.Context, tx *redis.Tx, key string, doc map[string]json.RawMessage) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to serialize entity", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}

func (r *Repository) missing(plan *gentime.Plan) error {
	if plan.Version != nil {
		return gentime.NewErrorWithCode(gentime.ErrorTypeConflict,
			fmt.Sprintf("%s was modified or deleted concurrently", r.mapping.Name()),
			plan.Version.Attribute.Column)
	}
	return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
}

// convertError reports a transaction that lost a WATCH race as a conflict
// for versioned plans.
func (r *Repository) convertError(err error, plan *gentime.Plan) error {
	if errors.Is(err, redis.TxFailedErr) && plan.Version != nil {
		return r.missing(plan)
	}
	return convertRedisError(err)
}

// ensureID assigns an ID to an unset ID field and reports whether it did
func (r *Repository) ensureID(ctx context.Context, field reflect.Value) (bool, error) {
	if !field.IsZero() {
		return false, nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(uuid.NewString())
	case reflect.Int, reflect.Int32, reflect.Int64:
		seq, err := r.client.Incr(ctx, r.keyPrefix+":seq").Result()
		if err != nil {
			return false, convertRedisError(err)
		}
		field.SetInt(seq)
	case reflect.Array:
		if field.Type() == reflect.TypeOf(uuid.UUID{}) {
			field.Set(reflect.ValueOf(uuid.New()))
			return true, nil
		}
		fallthrough
	default:
		return false, gentime.NewError(gentime.ErrorTypeInvalidArgument,
			fmt.Sprintf("%s has no ID and one cannot be generated for %s", r.mapping.Name(), field.Type()))
	}
	return true, nil
}

// buildKey constructs the full Redis key with prefix
func (r *Repository) buildKey(id interface{}) string {
	return fmt.Sprintf("%s:%v", r.keyPrefix, id)
}

func toDocument(entity interface{}) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to serialize entity", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to serialize entity", err)
	}
	return doc, nil
}

// merge combines the stored document with the entity's. Full writes take
// the entity's document but keep the stored value of every frozen field;
// other writes change only the generated fields.
func merge(stored *storedDocument, current map[string]json.RawMessage, plan *gentime.Plan, withData bool) map[string]json.RawMessage {
	if withData {
		for _, a := range plan.Frozen {
			if raw, ok := stored.doc[a.Column]; ok {
				current[a.Column] = raw
			} else {
				delete(current, a.Column)
			}
		}
		return current
	}
	doc := stored.doc
	for _, col := range plan.ColumnsGenerated() {
		doc[col] = current[col]
	}
	return doc
}

func applyGenerated(v reflect.Value, plan *gentime.Plan, now time.Time) {
	for _, a := range plan.Generated {
		a.Set(v, now)
	}
}

// =====================================
// Error Conversion
// =====================================

// convertRedisError converts Redis errors to gentime errors
func convertRedisError(err error) error {
	if err == nil {
		return nil
	}
	var gerr gentime.Error
	if errors.As(err, &gerr) {
		return err
	}

	switch {
	case errors.Is(err, redis.Nil):
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	case errors.Is(err, redis.TxFailedErr):
		return gentime.NewErrorWithCause(gentime.ErrorTypeTransaction, "transaction aborted by a concurrent write", err)
	case errors.Is(err, context.DeadlineExceeded):
		return gentime.NewErrorWithCause(gentime.ErrorTypeTimeout, "operation timeout", err)
	}
	return gentime.NewErrorWithCause(gentime.ErrorTypeDatabase, "Redis operation failed", err)
}
