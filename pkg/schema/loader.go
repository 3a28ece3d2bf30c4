package schema

import (
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed manifest.schema.json
var manifestSchema []byte

// Validate checks doc against the JSON schema file at schemaPath and returns
// the violations, if any.
func Validate(schemaPath string, doc any) ([]string, error) {
	return validate(schemaPath, gojsonschema.NewReferenceLoader("file://"+schemaPath), doc)
}

// ValidateManifest checks a decoded bazel-compose manifest against the
// built-in schema.
func ValidateManifest(doc any) ([]string, error) {
	return validate("manifest.schema.json", gojsonschema.NewBytesLoader(manifestSchema), doc)
}

func validate(name string, schemaLoader gojsonschema.JSONLoader, doc any) ([]string, error) {
	docLoader := gojsonschema.NewGoLoader(doc)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
