package filter

import (
	"testing"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
)

func TestFilterRejectsInvalidArguments(t *testing.T) {
	schemas := NewSchemaSet()
	if err := schemas.Load("cap1", `{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := Filter(schemas, "cap1", map[string]any{}, nil)
	if gwerrors.KindOf(err) != gwerrors.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestFilterPassesValidArguments(t *testing.T) {
	schemas := NewSchemaSet()
	if err := schemas.Load("cap1", `{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`); err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := Filter(schemas, "cap1", map[string]any{"path": "/tmp/x"}, nil)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if out["path"] != "/tmp/x" {
		t.Errorf("expected path preserved, got %v", out["path"])
	}
}

func TestFilterMaskRemovesNamedFields(t *testing.T) {
	schemas := NewSchemaSet()
	out, err := Filter(schemas, "cap1", map[string]any{"path": "/tmp/x", "owner": "alice"}, []string{"owner"})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if _, present := out["owner"]; present {
		t.Errorf("expected owner removed, got %v", out["owner"])
	}
	if out["path"] != "/tmp/x" {
		t.Errorf("expected path preserved, got %v", out["path"])
	}
}

func TestFilterDenyListRemovesSecretNamedFields(t *testing.T) {
	schemas := NewSchemaSet()
	out, err := Filter(schemas, "cap1", map[string]any{"query": "SELECT 1", "password": "hunter2", "API_KEY": "k-plain"}, nil)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if _, present := out["password"]; present {
		t.Errorf("expected password removed, got %v", out["password"])
	}
	if _, present := out["API_KEY"]; present {
		t.Errorf("expected API_KEY removed case-insensitively, got %v", out["API_KEY"])
	}
	if out["query"] != "SELECT 1" {
		t.Errorf("expected query preserved, got %v", out["query"])
	}
}

func TestFilterRedactsSecretShapedValues(t *testing.T) {
	schemas := NewSchemaSet()
	out, err := Filter(schemas, "cap1", map[string]any{"auth_blob": "sk-abcdefghijklmnop1234"}, nil)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if _, present := out["auth_blob"]; present {
		t.Errorf("expected secret-shaped value removed, got %v", out["auth_blob"])
	}
}

func TestFilterRedactsNestedValues(t *testing.T) {
	schemas := NewSchemaSet()
	nested := map[string]any{"auth": map[string]any{"blob": "sk-abcdefghijklmnop1234", "realm": "internal"}}
	out, err := Filter(schemas, "cap1", nested, nil)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	authMap := out["auth"].(map[string]any)
	if _, present := authMap["blob"]; present {
		t.Errorf("expected nested secret removed, got %v", authMap["blob"])
	}
	if authMap["realm"] != "internal" {
		t.Errorf("expected nested non-secret field preserved, got %v", authMap["realm"])
	}
}

func TestFilterDenyListRemovesNestedNamedFields(t *testing.T) {
	schemas := NewSchemaSet()
	nested := map[string]any{"auth": map[string]any{"password": "hunter2", "realm": "internal"}}
	out, err := Filter(schemas, "cap1", nested, nil)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	authMap := out["auth"].(map[string]any)
	if _, present := authMap["password"]; present {
		t.Errorf("expected nested password removed, got %v", authMap["password"])
	}
}

func TestFilterEmptySchemaClearsValidation(t *testing.T) {
	schemas := NewSchemaSet()
	if err := schemas.Load("cap1", `{"type":"object","required":["path"]}`); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := schemas.Load("cap1", ""); err != nil {
		t.Fatalf("Load clear: %v", err)
	}
	if _, err := Filter(schemas, "cap1", map[string]any{}, nil); err != nil {
		t.Errorf("expected no validation after clearing schema, got %v", err)
	}
}
