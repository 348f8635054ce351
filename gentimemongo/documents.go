package gentimemongo

import (
	"github.com/lemmego/gentime"
	"go.mongodb.org/mongo-driver/bson"
)

// toDocument encodes entity with the driver's struct codec
func toDocument(entity interface{}) (bson.M, error) {
	raw, err := bson.Marshal(entity)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// insertDocument encodes entity without the fields the insert must not
// write: the ones the server generates and the ones not triggered on insert.
func insertDocument(entity interface{}, plan *gentime.Plan) (bson.M, error) {
	doc, err := toDocument(entity)
	if err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeSerialization, "failed to encode entity", err)
	}
	for _, a := range plan.Generated {
		delete(doc, a.Column)
	}
	for _, a := range plan.Frozen {
		delete(doc, a.Column)
	}
	return doc, nil
}

// updateDocument builds the update for plan. data holds the entity fields
// to $set, if any; _id, frozen and server generated keys are dropped from
// it. VM values go to $set and server values to $currentDate.
func updateDocument(plan *gentime.Plan, data bson.M) bson.M {
	set := bson.M{}
	for k, v := range data {
		set[k] = v
	}
	delete(set, "_id")
	for _, a := range plan.Frozen {
		delete(set, a.Column)
	}
	for _, a := range plan.Generated {
		delete(set, a.Column)
	}
	for col, v := range plan.Values() {
		set[col] = v
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(plan.Generated) > 0 {
		update["$currentDate"] = currentDates(plan.Generated)
	}
	return update
}

func currentDates(attrs []gentime.Attribute) bson.M {
	dates := bson.M{}
	for _, a := range attrs {
		dates[a.Column] = bson.M{"$type": "date"}
	}
	return dates
}

// versionFilter matches the document by id and, for versioned plans, by
// the version the entity was loaded with.
func versionFilter(id interface{}, plan *gentime.Plan) bson.M {
	filter := bson.M{"_id": id}
	if plan.Version != nil {
		filter[plan.Version.Attribute.Column] = plan.Version.Stored()
	}
	return filter
}

func projection(attrs []gentime.Attribute) bson.M {
	proj := bson.M{}
	for _, a := range attrs {
		proj[a.Column] = 1
	}
	return proj
}
