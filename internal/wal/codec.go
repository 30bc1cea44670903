package wal

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/DonTee-Why/logstack/internal/jsonval"
)

func jsonNumberFromInt(n int64) json.Number {
	return json.Number(strconv.FormatInt(n, 10))
}

func jsonNumberFromFloat(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// cborEncMode is CBOR's Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, canonical integers. Grounded on bureau's
// lib/codec.cbor.go, which uses the same mode for the same reason —
// identical logical records always produce identical bytes, which the
// WAL wants for its own checksum-over-payload story and for anyone
// diffing segments.
var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic("wal: cbor encoder init: " + err.Error())
	}
	cborEncMode = mode
}

func unixNanoToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// fromCBORAny converts a CBOR-decoded `any` (maps come back as
// map[any]any or map[string]any depending on decoder config; the
// default decoder used by cbor.Unmarshal here produces
// map[interface{}]interface{} for untyped maps) into the jsonval tree.
func fromCBORAny(x any) jsonval.Value {
	switch t := x.(type) {
	case nil:
		return jsonval.Null()
	case bool:
		return jsonval.Bool(t)
	case string:
		return jsonval.String(t)
	case []byte:
		return jsonval.String(string(t))
	case uint64:
		return jsonval.Number(jsonNumberFromInt(int64(t)))
	case int64:
		return jsonval.Number(jsonNumberFromInt(t))
	case float64:
		return jsonval.Number(jsonNumberFromFloat(t))
	case []any:
		arr := make([]jsonval.Value, 0, len(t))
		for _, item := range t {
			arr = append(arr, fromCBORAny(item))
		}
		return jsonval.Array(arr...)
	case map[any]any:
		obj := jsonval.NewObject()
		for k, v := range t {
			ks, _ := k.(string)
			obj.Set(ks, fromCBORAny(v))
		}
		return obj
	case map[string]any:
		obj := jsonval.NewObject()
		for k, v := range t {
			obj.Set(k, fromCBORAny(v))
		}
		return obj
	default:
		return jsonval.Null()
	}
}
