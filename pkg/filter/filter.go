// Package filter implements the gateway's Parameter Filter stage
// (spec §4.5): JSON Schema validation of invocation arguments, a
// static secret-field deny-list, value-shape secret detection, and
// filter_mask-driven redaction of fields the Decision says must never
// reach the backend or the caller.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
)

// secretPatterns matches parameter values shaped like credentials, so
// they are redacted even if a capability's schema and the PDP's
// filter_mask both missed them. This is a last line of defense, not
// the primary control.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^sk-[a-z0-9]{16,}$`),
	regexp.MustCompile(`(?i)^ghp_[a-z0-9]{20,}$`),
	regexp.MustCompile(`(?i)^[a-z0-9+/]{40}$`), // base64-shaped 40-byte tokens
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{20,}`),
}

// deniedFieldNames is the static, case-insensitive secret-field-name
// deny-list: any argument key matching one of these is stripped
// regardless of schema or filter_mask, since these names carry secrets
// by convention wherever they appear.
var deniedFieldNames = map[string]bool{
	"password":      true,
	"api_key":       true,
	"token":         true,
	"secret":        true,
	"ssn":           true,
	"authorization": true,
	"private_key":   true,
	"access_key":    true,
}

// SchemaSet compiles and caches JSON Schemas per capability id.
type SchemaSet struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaSet constructs an empty SchemaSet.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{compiled: make(map[string]*jsonschema.Schema)}
}

// Load compiles and registers the input schema for a capability. An
// empty schema document clears any previously registered schema,
// leaving that capability unvalidated.
func (s *SchemaSet) Load(capabilityID, schemaDocument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schemaDocument == "" {
		delete(s.compiled, capabilityID)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://sentrygate.internal/capabilities/%s.schema.json", capabilityID)
	if err := c.AddResource(url, strings.NewReader(schemaDocument)); err != nil {
		return fmt.Errorf("filter: schema load failed for %q: %w", capabilityID, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("filter: schema compile failed for %q: %w", capabilityID, err)
	}
	s.compiled[capabilityID] = compiled
	return nil
}

func (s *SchemaSet) get(capabilityID string) *jsonschema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled[capabilityID]
}

// Filter validates args against capabilityID's registered schema (if
// any), then returns a copy of args with every key named in
// filterMask, every key matching the static secret-field deny-list,
// and every value shaped like a credential removed entirely. Denied
// fields are dropped, not replaced with a sentinel, so a redacted
// argument never reaches the backend or the caller under a fake value.
func Filter(schemas *SchemaSet, capabilityID string, args map[string]any, filterMask []string) (map[string]any, error) {
	if schema := schemas.get(capabilityID); schema != nil {
		if args == nil {
			return nil, gwerrors.New(gwerrors.KindValidation, "capability %q requires arguments", capabilityID)
		}
		if err := schema.Validate(args); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindValidation, err, "capability %q schema validation failed", capabilityID)
		}
	}

	masked := make(map[string]bool, len(filterMask))
	for _, f := range filterMask {
		masked[f] = true
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		if masked[k] || isDeniedFieldName(k) {
			continue
		}
		if redacted, drop := redactValue(v); !drop {
			out[k] = redacted
		}
	}
	return out, nil
}

// redactValue returns v with any denied-named or secret-shaped fields
// removed, and drop=true if v itself is a secret-shaped scalar that
// the caller must omit entirely.
func redactValue(v any) (out any, drop bool) {
	switch val := v.(type) {
	case string:
		return val, looksLikeSecret(val)
	case map[string]any:
		nested := make(map[string]any, len(val))
		for k, inner := range val {
			if isDeniedFieldName(k) {
				continue
			}
			if redacted, drop := redactValue(inner); !drop {
				nested[k] = redacted
			}
		}
		return nested, false
	case []any:
		nested := make([]any, 0, len(val))
		for _, inner := range val {
			if redacted, drop := redactValue(inner); !drop {
				nested = append(nested, redacted)
			}
		}
		return nested, false
	default:
		return v, false
	}
}

func isDeniedFieldName(k string) bool {
	return deniedFieldNames[strings.ToLower(k)]
}

func looksLikeSecret(s string) bool {
	for _, pat := range secretPatterns {
		if pat.MatchString(s) {
			return true
		}
	}
	return false
}
