// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// toBSONValue converts JSON-decoded values to BSON-compatible types.
// Extended JSON escapes ($oid, $date) become their native driver types
// so filters like {"_id": {"$oid": "..."}} work as expected.
func toBSONValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if oid, ok := val["$oid"].(string); ok && len(val) == 1 {
			if objectID, err := primitive.ObjectIDFromHex(oid); err == nil {
				return objectID
			}
		}
		if date, ok := val["$date"].(string); ok && len(val) == 1 {
			if t, err := time.Parse(time.RFC3339, date); err == nil {
				return t
			}
		}
		result := bson.M{}
		for k, v := range val {
			result[k] = toBSONValue(v)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, v := range val {
			result[i] = toBSONValue(v)
		}
		return result
	default:
		return val
	}
}

// bsonToMap converts a BSON document to a JSON-serializable Go map.
func bsonToMap(doc bson.M) map[string]interface{} {
	result := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		result[k] = fromBSONValue(v)
	}
	return result
}

// fromBSONValue converts BSON types to JSON-serializable Go types.
func fromBSONValue(v interface{}) interface{} {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time()
	case primitive.Timestamp:
		return map[string]interface{}{"t": val.T, "i": val.I}
	case primitive.Binary:
		return val.Data
	case primitive.Decimal128:
		return val.String()
	case bson.M:
		return bsonToMap(val)
	case bson.A:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = fromBSONValue(item)
		}
		return result
	case primitive.D:
		result := make(map[string]interface{}, len(val))
		for _, elem := range val {
			result[elem.Key] = fromBSONValue(elem.Value)
		}
		return result
	default:
		return val
	}
}

// bsonTypeName reports a stable type label for schema sampling.
func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case primitive.ObjectID:
		return "objectId"
	case string:
		return "string"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bool:
		return "bool"
	case primitive.DateTime, time.Time:
		return "date"
	case primitive.Decimal128:
		return "decimal"
	case primitive.Binary:
		return "binary"
	case bson.A, []interface{}:
		return "array"
	case bson.M, primitive.D, map[string]interface{}:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
