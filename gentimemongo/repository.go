package gentimemongo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/lemmego/gentime"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =====================================
// Repository Implementation
// =====================================

// documentStore is the part of *mongo.Collection the repository uses
type documentStore interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// Repository implements gentime.Repository using MongoDB
type Repository struct {
	collection documentStore
	client     *mongo.Client
	mapping    *gentime.EntityMapping
	pipeline   *gentime.Pipeline
	idIndex    []int

	// transactions is set when the deployment is a replica set or a
	// sharded cluster
	transactions bool
}

func newRepository(database *mongo.Database, mapping *gentime.EntityMapping, pipeline *gentime.Pipeline) (*Repository, error) {
	r := &Repository{mapping: mapping, pipeline: pipeline}

	t := mapping.Type()
	for _, f := range reflect.VisibleFields(t) {
		if f.IsExported() && bsonName(f) == "_id" {
			r.idIndex = f.Index
			break
		}
	}
	if r.idIndex == nil {
		return nil, gentime.NewError(gentime.ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s has no field mapped to _id", mapping.Name()))
	}

	// document keys follow the bson tags
	mapping, err := mapping.WithColumns(func(field string) string {
		if f, ok := t.FieldByName(field); ok {
			return bsonName(f)
		}
		return ""
	})
	if err != nil {
		return nil, err
	}
	r.mapping = mapping

	if database != nil {
		r.collection = database.Collection(collectionName(t))
		r.client = database.Client()
	}
	return r, nil
}

// collectionName returns the collection for the entity type: the result of
// its CollectionName method, or the lowercase type name with an "s" suffix.
func collectionName(t reflect.Type) string {
	if named, ok := reflect.New(t).Interface().(interface{ CollectionName() string }); ok {
		return named.CollectionName()
	}
	name := strings.ToLower(t.Name())
	if !strings.HasSuffix(name, "s") {
		name += "s"
	}
	return name
}

// Mapping returns the generation mapping of the entity type
func (r *Repository) Mapping() *gentime.EntityMapping {
	return r.mapping
}

// Create inserts entity. Server generated dates are set by a $currentDate
// update right after the insert and read back with a projection. Both
// writes share a transaction when the deployment supports one; otherwise
// the document is removed again if the second step fails.
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
	assignedID := ensureID(idField)

	err = r.insert(ctx, v, entity, plan)
	if err != nil {
		plan.Revert()
		if assignedID {
			idField.Set(reflect.Zero(idField.Type()))
		}
		return convertMongoError(err)
	}
	return gentime.RunAfterHooks(ctx, gentime.EventInsert, entity)
}

func (r *Repository) insert(ctx context.Context, v reflect.Value, entity interface{}, plan *gentime.Plan) error {
	doc, err := insertDocument(entity, plan)
	if err != nil {
		return err
	}
	if len(plan.Generated) == 0 {
		_, err := r.collection.InsertOne(ctx, doc)
		return err
	}
	if r.transactions {
		return r.withTransaction(ctx, func(ctx context.Context) error {
			if _, err := r.collection.InsertOne(ctx, doc); err != nil {
				return err
			}
			return r.stamp(ctx, v, plan)
		})
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return err
	}
	if err := r.stamp(ctx, v, plan); err != nil {
		filter := bson.M{"_id": v.FieldByIndex(r.idIndex).Interface()}
		if _, delErr := r.collection.DeleteOne(context.WithoutCancel(ctx), filter); delErr != nil {
			return errors.Join(err, delErr)
		}
		return err
	}
	return nil
}

// stamp sets the server dates of a freshly inserted document and reads
// back the ones the plan fetches
func (r *Repository) stamp(ctx context.Context, v reflect.Value, plan *gentime.Plan) error {
	filter := bson.M{"_id": v.FieldByIndex(r.idIndex).Interface()}
	if _, err := r.collection.UpdateOne(ctx, filter, bson.M{"$currentDate": currentDates(plan.Generated)}); err != nil {
		return err
	}
	return r.fetch(ctx, v, filter, plan.Fetch)
}

// Update replaces the stored fields of entity, except the generated ones
// the update does not trigger. With a version field the filter includes
// the version the entity was loaded with.
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

	var data bson.M
	if withData {
		if data, err = toDocument(entity); err != nil {
			plan.Revert()
			return gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to encode entity", err)
		}
	}

	filter := versionFilter(v.FieldByIndex(r.idIndex).Interface(), plan)
	update := updateDocument(plan, data)

	if err := r.update(ctx, v, filter, update, plan); err != nil {
		plan.Revert()
		return convertMongoError(err)
	}
	return gentime.RunAfterHooks(ctx, event, entity)
}

func (r *Repository) update(ctx context.Context, v reflect.Value, filter, update bson.M, plan *gentime.Plan) error {
	if len(plan.Returning) == 0 {
		result, err := r.collection.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}
		if result.MatchedCount == 0 {
			return r.missing(plan)
		}
		return r.fetch(ctx, v, bson.M{"_id": filter["_id"]}, plan.Fetch)
	}

	fresh := reflect.New(r.mapping.Type())
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(projection(plan.Returning))
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(fresh.Interface())
	if errors.Is(err, mongo.ErrNoDocuments) {
		return r.missing(plan)
	}
	if err != nil {
		return err
	}
	copyGenerated(fresh.Elem(), v, plan.Returning)
	return r.fetch(ctx, v, bson.M{"_id": filter["_id"]}, plan.Fetch)
}

// UpdatePartial sets specific fields and regenerates the values triggered
// on update. Generated fields cannot be named in updates.
func (r *Repository) UpdatePartial(ctx context.Context, id interface{}, updates map[string]interface{}) error {
	if err := gentime.GuardUpdates(r.mapping, updates); err != nil {
		return err
	}
	plan, err := r.pipeline.PreparePartial(gentime.EventUpdate, r.mapping)
	if err != nil {
		return err
	}
	docID, err := r.convertID(id)
	if err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": docID}, updateDocument(plan, bson.M(updates)))
	if err != nil {
		return convertMongoError(err)
	}
	if result.MatchedCount == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// Delete deletes an entity by ID
func (r *Repository) Delete(ctx context.Context, id interface{}) error {
	docID, err := r.convertID(id)
	if err != nil {
		return err
	}
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": docID})
	if err != nil {
		return convertMongoError(err)
	}
	if result.DeletedCount == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// FindByID finds an entity by its ID
func (r *Repository) FindByID(ctx context.Context, id interface{}, dest interface{}) error {
	docID, err := r.convertID(id)
	if err != nil {
		return err
	}
	return convertMongoError(r.collection.FindOne(ctx, bson.M{"_id": docID}).Decode(dest))
}

// Close is a no-op; the client belongs to the provider
func (r *Repository) Close() error {
	return nil
}

// =====================================
// Helper Methods
// =====================================

func (r *Repository) fetch(ctx context.Context, v reflect.Value, filter bson.M, attrs []gentime.Attribute) error {
	if len(attrs) == 0 {
		return nil
	}
	fresh := reflect.New(r.mapping.Type())
	opts := options.FindOne().SetProjection(projection(attrs))
	if err := r.collection.FindOne(ctx, filter, opts).Decode(fresh.Interface()); err != nil {
		return err
	}
	copyGenerated(fresh.Elem(), v, attrs)
	return nil
}

func (r *Repository) missing(plan *gentime.Plan) error {
	if plan.Version != nil {
		return gentime.NewErrorWithCode(gentime.ErrorTypeConflict,
			fmt.Sprintf("%s was modified or deleted concurrently", r.mapping.Name()),
			plan.Version.Attribute.Column)
	}
	return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
}

// convertID converts hex strings to ObjectIDs when the entity uses them
func (r *Repository) convertID(id interface{}) (interface{}, error) {
	idType := r.mapping.Type().FieldByIndex(r.idIndex).Type
	if s, ok := id.(string); ok && idType == objectIDType {
		oid, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return nil, gentime.NewErrorWithCause(gentime.ErrorTypeInvalidArgument, "invalid ID", err)
		}
		return oid, nil
	}
	return id, nil
}

var objectIDType = reflect.TypeOf(primitive.ObjectID{})

// ensureID assigns a new ObjectID to an unset ObjectID field and reports
// whether it did
func ensureID(field reflect.Value) bool {
	if field.Type() == objectIDType && field.IsZero() {
		field.Set(reflect.ValueOf(primitive.NewObjectID()))
		return true
	}
	return false
}

func copyGenerated(from, to reflect.Value, attrs []gentime.Attribute) {
	for _, a := range attrs {
		if t, ok := a.Get(from); ok {
			a.Set(to, t)
		}
	}
}
