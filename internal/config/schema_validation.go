package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	procreapschema "github.com/Paintersrp/procreap/schema"
)

const schemaResource = "procreap.v1.json"

// compiledSchema is built on first use from the embedded document.
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaResource, bytes.NewReader(procreapschema.ConfigV1Schema)); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
})

// fieldError is one schema violation, keyed by the dotted config path.
type fieldError struct {
	field   string
	message string
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	// The validator expects JSON-shaped values; YAML decoding yields Go ints
	// and nested maps that are re-encoded here with numbers kept exact.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config for schema validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode config for schema validation: %w", err)
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	var b strings.Builder
	b.WriteString("schema validation failed:")
	for _, fe := range fieldErrors(verr) {
		fmt.Fprintf(&b, "\n  - %s: %s", fe.field, fe.message)
	}
	return errors.New(b.String())
}

// fieldErrors flattens the validator's error tree into its leaf violations,
// ordered by field.
func fieldErrors(verr *jsonschema.ValidationError) []fieldError {
	var out []fieldError
	seen := make(map[fieldError]bool)
	for _, unit := range verr.BasicOutput().Errors {
		if unit.Error == "" || strings.HasPrefix(unit.Error, "doesn't validate with") {
			continue
		}
		fe := fieldError{field: configPath(unit.InstanceLocation), message: unit.Error}
		if seen[fe] {
			continue
		}
		seen[fe] = true
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, fieldError{field: configPath(verr.InstanceLocation), message: verr.Message})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].field < out[j].field })
	return out
}

// configPath renders a JSON pointer such as /processes/0/command as
// processes[0].command.
func configPath(pointer string) string {
	var b strings.Builder
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		if token == "" {
			continue
		}
		token = strings.NewReplacer("~1", "/", "~0", "~").Replace(token)
		if _, err := strconv.Atoi(token); err == nil {
			b.WriteString("[" + token + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(token)
	}
	if b.Len() == 0 {
		return "config"
	}
	return b.String()
}
