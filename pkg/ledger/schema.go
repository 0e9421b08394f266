package ledger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// schemaRegistry maps a Kind to the Go type its payload must decode into.
// Producer packages register their kind at init time
// (ledger.RegisterSchema(KindX, XPayload{})); there is no string-keyed
// dynamic dispatch at runtime (spec §9 re-architecture note).
var (
	schemaMu sync.RWMutex
	schemas  = map[Kind]reflect.Type{}
)

// RegisterSchema binds kind to the shape of zero. Call from an init()
// function in the package that owns the kind.
func RegisterSchema(kind Kind, zero interface{}) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemas[kind] = reflect.TypeOf(zero)
}

// ValidatePayload decodes payload against kind's registered schema and
// discards the result, returning ErrSchemaMismatch on failure. Kinds with
// no registered schema are accepted without decode-time validation.
func ValidatePayload(kind Kind, payload []byte) error {
	schemaMu.RLock()
	t, ok := schemas[kind]
	schemaMu.RUnlock()
	if !ok {
		return nil
	}

	v := reflect.New(t).Interface()
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: kind %q: %v", ErrSchemaMismatch, kind, err)
	}
	return nil
}

// DecodePayload decodes payload into a freshly allocated value of kind's
// registered schema type and returns it. Callers type-assert the result.
func DecodePayload(kind Kind, payload []byte) (interface{}, error) {
	schemaMu.RLock()
	t, ok := schemas[kind]
	schemaMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kind %q has no registered schema", ErrSchemaMismatch, kind)
	}

	v := reflect.New(t).Interface()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("%w: kind %q: %v", ErrSchemaMismatch, kind, err)
	}
	return v, nil
}
