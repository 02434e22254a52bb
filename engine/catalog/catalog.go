// Package catalog is the process-wide registry of workflow definitions.
// Kinds register at startup, the catalog compiles their declared payload
// schemas, and a one-shot Seal freezes the set before the engine starts
// serving. Running instances pin the version they were created with, so the
// catalog keeps every registered version and serves lookups by pinned
// version for as long as instances of it may resume.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/workflow"
)

var (
	// ErrSealed is returned by Register after Seal has been called.
	ErrSealed = errors.New("catalog is sealed")

	// ErrNotFound is returned by lookups for unregistered kinds.
	ErrNotFound = errors.New("kind not found")
)

type (
	// Catalog holds registered workflow kinds and their compiled payload
	// validators. It is safe for concurrent use; after Seal it is
	// effectively immutable.
	Catalog struct {
		mu     sync.RWMutex
		sealed bool
		// kinds maps "name@version" to the registered definition.
		kinds map[string]workflow.Kind
		// latest maps a kind name to its highest registered version.
		latest map[string]string
		// events maps "name@version" to compiled event payload schemas by
		// event name. Events declared without a schema have no entry.
		events map[string]map[string]*jsonschema.Schema
		// global maps an event name to its schema across all kinds. Publishes
		// route by event name alone, so two kinds declaring the same event
		// must agree on its schema; Register rejects conflicts.
		global map[string]*globalEvent
		// inputs maps "name@version" to the compiled instance input schema.
		inputs map[string]*jsonschema.Schema
	}

	// globalEvent is the catalog-wide schema for one event name.
	globalEvent struct {
		doc        any
		schema     *jsonschema.Schema
		declaredBy string
	}
)

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		kinds:  make(map[string]workflow.Kind),
		latest: make(map[string]string),
		events: make(map[string]map[string]*jsonschema.Schema),
		global: make(map[string]*globalEvent),
		inputs: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a kind to the catalog. The version defaults to "1". It
// validates the definition, compiles the input and event payload schemas,
// and rejects duplicate name@version registrations. Register fails once the
// catalog is sealed.
func (c *Catalog) Register(k workflow.Kind) error {
	if k.Version == "" {
		k.Version = "1"
	}
	if err := k.Validate(); err != nil {
		return err
	}
	ref := k.Ref()

	_, inputSchema, err := compileSchema(ref+"/input.json", k.InputSchema)
	if err != nil {
		return fmt.Errorf("kind %s: input schema: %w", ref, err)
	}
	eventSchemas := make(map[string]*jsonschema.Schema)
	eventDocs := make(map[string]any)
	for _, ev := range k.Events {
		doc, s, err := compileSchema(ref+"/events/"+ev.Name+".json", ev.Schema)
		if err != nil {
			return fmt.Errorf("kind %s: event %q schema: %w", ref, ev.Name, err)
		}
		if s != nil {
			eventSchemas[ev.Name] = s
			eventDocs[ev.Name] = doc
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return fmt.Errorf("register kind %s: %w", ref, ErrSealed)
	}
	if _, ok := c.kinds[ref]; ok {
		return fmt.Errorf("kind %s is already registered", ref)
	}
	for name, doc := range eventDocs {
		if g, ok := c.global[name]; ok && !reflect.DeepEqual(g.doc, doc) {
			return fmt.Errorf("kind %s: event %q schema conflicts with the one declared by kind %s",
				ref, name, g.declaredBy)
		}
	}

	c.kinds[ref] = k
	if cur, ok := c.latest[k.Name]; !ok || newerVersion(k.Version, cur) {
		c.latest[k.Name] = k.Version
	}
	if len(eventSchemas) > 0 {
		c.events[ref] = eventSchemas
	}
	for name, doc := range eventDocs {
		if _, ok := c.global[name]; !ok {
			c.global[name] = &globalEvent{doc: doc, schema: eventSchemas[name], declaredBy: ref}
		}
	}
	if inputSchema != nil {
		c.inputs[ref] = inputSchema
	}
	return nil
}

// Seal freezes the catalog. Registrations after Seal fail with ErrSealed.
// Sealing twice is a no-op.
func (c *Catalog) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (c *Catalog) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Lookup returns the kind registered under name and version. An empty
// version resolves to the latest registered one.
func (c *Catalog) Lookup(name, version string) (workflow.Kind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if version == "" {
		v, ok := c.latest[name]
		if !ok {
			return workflow.Kind{}, fmt.Errorf("kind %q: %w", name, ErrNotFound)
		}
		version = v
	}
	k, ok := c.kinds[workflow.Ref(name, version)]
	if !ok {
		return workflow.Kind{}, fmt.Errorf("kind %s: %w", workflow.Ref(name, version), ErrNotFound)
	}
	return k, nil
}

// Resolve is Lookup under the executor's resolver interface: running
// instances resolve the exact version they pinned at creation.
func (c *Catalog) Resolve(name, version string) (workflow.Kind, error) {
	return c.Lookup(name, version)
}

// Latest returns the highest registered version of the named kind.
func (c *Catalog) Latest(name string) (workflow.Kind, error) {
	return c.Lookup(name, "")
}

// Kinds lists all registered definitions ordered by name then version.
func (c *Catalog) Kinds() []workflow.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.kinds))
	for ref := range c.kinds {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	out := make([]workflow.Kind, len(refs))
	for i, ref := range refs {
		out[i] = c.kinds[ref]
	}
	return out
}

// Validator returns the compiled payload schema for an event declared by
// name@version, or false when the event has no schema.
func (c *Catalog) Validator(name, version, event string) (*jsonschema.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.events[workflow.Ref(name, version)][event]
	return s, ok
}

// ValidateEvent checks an event payload against the catalog-wide schema for
// the event name. Publishes route by event name alone, which is why Register
// forces kinds sharing an event name to agree on its schema. Events without
// a schema accept any payload. Schema violations come back as validation
// faults. ValidateEvent is the bus's payload validator.
func (c *Catalog) ValidateEvent(event string, payload []byte) error {
	c.mu.RLock()
	g := c.global[event]
	c.mu.RUnlock()
	if g == nil {
		return nil
	}
	if err := validate(g.schema, payload); err != nil {
		return faults.Validationf("event %q payload: %v", event, err)
	}
	return nil
}

// ValidateInput checks instance creation input against the kind's declared
// input schema, if any.
func (c *Catalog) ValidateInput(name, version string, input []byte) error {
	c.mu.RLock()
	s := c.inputs[workflow.Ref(name, version)]
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	if err := validate(s, input); err != nil {
		return faults.Validationf("input payload: %v", err)
	}
	return nil
}

// compileSchema compiles raw schema JSON, returning the parsed document for
// cross-kind conflict checks. An empty declaration yields nils.
func compileSchema(url string, raw []byte) (any, *jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := comp.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("compile schema: %w", err)
	}
	return doc, s, nil
}

func validate(s *jsonschema.Schema, payload []byte) error {
	var v any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return s.Validate(v)
}

// newerVersion reports whether a sorts after b, numerically when both
// versions are integers.
func newerVersion(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai > bi
	}
	return a > b
}
