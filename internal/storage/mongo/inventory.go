package mongo

import (
	"context"
	"strings"

	"schemashift/internal/index"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Inventory implements index.Inventory on a MongoDB database. Deployed
// definitions are reconstructed from listIndexes specs; indexes whose build
// is still running are reported as not ready.
type Inventory struct {
	backend *Backend
}

func NewInventory(backend *Backend) *Inventory {
	return &Inventory{backend: backend}
}

func (inv *Inventory) Deployed(ctx context.Context, collectionGroups []string) ([]index.DeployedIndex, error) {
	building, err := inv.buildingIndexes(ctx)
	if err != nil {
		return nil, err
	}

	var deployed []index.DeployedIndex
	for _, group := range collectionGroups {
		cursor, err := inv.backend.db.Collection(group).Indexes().List(ctx)
		if err != nil {
			return nil, classify(err)
		}

		var specs []bson.D
		if err := cursor.All(ctx, &specs); err != nil {
			return nil, classify(err)
		}

		for _, spec := range specs {
			def, name, ok := decodeIndexSpec(group, spec)
			if !ok {
				continue
			}
			deployed = append(deployed, index.DeployedIndex{
				Definition: def,
				Ready:      !building[group+"."+name],
			})
		}
	}
	return deployed, nil
}

func (inv *Inventory) EnsureIndex(ctx context.Context, def index.Definition) error {
	keys := bson.D{}
	for _, f := range def.Fields {
		dir := 1
		if f.Direction == index.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: f.Path, Value: dir})
	}

	opts := options.Index().SetName(indexName(def))
	_, err := inv.backend.db.Collection(def.CollectionGroup).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: opts,
	})
	return classify(err)
}

// buildingIndexes returns "<collection>.<indexName>" keys for index builds
// currently in progress, discovered through currentOp.
func (inv *Inventory) buildingIndexes(ctx context.Context) (map[string]bool, error) {
	res := inv.backend.client.Database("admin").RunCommand(ctx, bson.D{
		{Key: "currentOp", Value: 1},
		{Key: "$or", Value: bson.A{
			bson.M{"command.createIndexes": bson.M{"$exists": true}},
			bson.M{"msg": bson.M{"$regex": "Index Build"}},
		}},
	})

	var out struct {
		Inprog []struct {
			Command struct {
				CreateIndexes string `bson:"createIndexes"`
				Indexes       []struct {
					Name string `bson:"name"`
				} `bson:"indexes"`
			} `bson:"command"`
		} `bson:"inprog"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, classify(err)
	}

	building := make(map[string]bool)
	for _, op := range out.Inprog {
		for _, idx := range op.Command.Indexes {
			building[op.Command.CreateIndexes+"."+idx.Name] = true
		}
	}
	return building, nil
}

// indexName encodes scope into the deployed name so Deployed can round-trip
// the full definition. Array fields carry an ":array" marker.
func indexName(def index.Definition) string {
	parts := make([]string, 0, len(def.Fields)+1)
	for _, f := range def.Fields {
		if f.ArrayContains {
			parts = append(parts, f.Path+":array")
		} else {
			parts = append(parts, f.Path+":"+strings.ToLower(string(f.Direction)))
		}
	}
	name := strings.Join(parts, "__")
	if def.Scope == index.ScopeCollectionGroup {
		name += "__cg"
	}
	return name
}

// decodeIndexSpec reconstructs a Definition from a listIndexes entry.
// The default _id index and unrecognized system indexes are skipped.
func decodeIndexSpec(group string, spec bson.D) (index.Definition, string, bool) {
	var name string
	var keys bson.D
	for _, e := range spec {
		switch e.Key {
		case "name":
			name, _ = e.Value.(string)
		case "key":
			keys, _ = e.Value.(bson.D)
		}
	}
	if name == "" || name == "_id_" || len(keys) == 0 {
		return index.Definition{}, name, false
	}

	def := index.Definition{
		CollectionGroup: group,
		Scope:           index.ScopeCollection,
	}

	nameParts := strings.Split(name, "__")
	if nameParts[len(nameParts)-1] == "cg" {
		def.Scope = index.ScopeCollectionGroup
		nameParts = nameParts[:len(nameParts)-1]
	}

	arrayPaths := make(map[string]bool)
	for _, p := range nameParts {
		if path, ok := strings.CutSuffix(p, ":array"); ok {
			arrayPaths[path] = true
		}
	}

	for _, k := range keys {
		field := index.Field{Path: k.Key}
		if arrayPaths[k.Key] {
			field.ArrayContains = true
		} else {
			dir := index.Asc
			if v, ok := toInt(k.Value); ok && v < 0 {
				dir = index.Desc
			}
			field.Direction = dir
		}
		def.Fields = append(def.Fields, field)
	}
	return def, name, true
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
