package dbclient

import (
	"fmt"

	"querybuilder/internal/domain"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Document-store operations understood by the mongo adapter.
const (
	MongoFind             = "find"
	MongoAggregate        = "aggregate"
	MongoInsertOne        = "insertOne"
	MongoInsertMany       = "insertMany"
	MongoUpdateMany       = "updateMany"
	MongoDeleteMany       = "deleteMany"
	MongoCreateCollection = "createCollection"
	MongoDrop             = "drop"
)

// MongoStatement is the JSON envelope used to address the document store.
// Values use MongoDB Extended JSON, so {"$oid": ...} and {"$date": ...} work.
type MongoStatement struct {
	Collection string   `bson:"collection"`
	Operation  string   `bson:"operation,omitempty"`
	Filter     bson.D   `bson:"filter,omitempty"`
	Projection bson.D   `bson:"projection,omitempty"`
	Sort       bson.D   `bson:"sort,omitempty"`
	Limit      int64    `bson:"limit,omitempty"`
	Skip       int64    `bson:"skip,omitempty"`
	Document   bson.D   `bson:"document,omitempty"`
	Documents  []bson.D `bson:"documents,omitempty"`
	Update     bson.D   `bson:"update,omitempty"`
	Pipeline   []bson.D `bson:"pipeline,omitempty"`
}

// ParseMongoStatement decodes an envelope. Operation defaults to find.
func ParseMongoStatement(text string) (*MongoStatement, error) {
	var st MongoStatement
	if err := bson.UnmarshalExtJSON([]byte(text), false, &st); err != nil {
		return nil, fmt.Errorf("%w: invalid document statement: %w", domain.ErrParse, err)
	}
	if st.Collection == "" {
		return nil, fmt.Errorf("%w: statement must specify 'collection'", domain.ErrParse)
	}
	if st.Operation == "" {
		st.Operation = MongoFind
	}
	return &st, nil
}

// Encode renders the envelope as relaxed Extended JSON.
func (st *MongoStatement) Encode() (string, error) {
	raw, err := bson.MarshalExtJSON(st, false, false)
	if err != nil {
		return "", fmt.Errorf("encode document statement: %w", err)
	}
	return string(raw), nil
}

// IsRead reports whether the statement returns documents.
func (st *MongoStatement) IsRead() bool {
	return st.Operation == MongoFind || st.Operation == MongoAggregate
}
