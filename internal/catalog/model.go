package catalog

// Field describes one property of a catalog model. The upstream admin
// service owns the canonical schema; this metadata mirrors it so inbound
// payloads can be projected and validated before they touch the store.
type Field struct {
	Name      string
	Type      string // "string", "boolean" or "integer"
	Required  bool
	Nullable  bool
	MinLength int
	MaxLength int
}

// Relation describes an embedded to-many relation on a model, including
// which fields of the related model are copied into the owning document.
type Relation struct {
	Name   string
	Model  string
	Fields []string
}

// Model is the static metadata for one synchronized entity type.
type Model struct {
	Name      string // wire name, third segment is derived relative to this: model.<Name>.<action>
	Table     string
	Fields    []Field
	Relations map[string]Relation
}

// FieldNames returns the declared field names in declaration order.
func (m Model) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Project keeps only the declared fields of data. Unknown fields are
// silently dropped so upstream schema drift never fails the pipeline.
func (m Model) Project(data map[string]any) map[string]any {
	return ProjectFields(data, m.FieldNames())
}

// ProjectFields copies the listed fields out of data, skipping absent ones.
func ProjectFields(data map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, name := range fields {
		if v, ok := data[name]; ok {
			out[name] = v
		}
	}
	return out
}

var (
	// Category mirrors the admin service's Category model.
	Category = Model{
		Name:  "category",
		Table: "categories",
		Fields: []Field{
			{Name: "id", Type: "string", Required: true},
			{Name: "name", Type: "string", Required: true, MinLength: 1, MaxLength: 255},
			{Name: "description", Type: "string", Nullable: true},
			{Name: "is_active", Type: "boolean"},
			{Name: "created_at", Type: "string", Required: true},
			{Name: "updated_at", Type: "string", Required: true},
		},
	}

	// Genre embeds a projection of its categories in each document.
	Genre = Model{
		Name:  "genre",
		Table: "genres",
		Fields: []Field{
			{Name: "id", Type: "string", Required: true},
			{Name: "name", Type: "string", Required: true, MinLength: 1, MaxLength: 255},
			{Name: "is_active", Type: "boolean"},
			{Name: "created_at", Type: "string", Required: true},
			{Name: "updated_at", Type: "string", Required: true},
		},
		Relations: map[string]Relation{
			"categories": {
				Name:   "categories",
				Model:  "category",
				Fields: []string{"id", "name", "is_active"},
			},
		},
	}

	// CastMember mirrors the admin service's CastMember model.
	CastMember = Model{
		Name:  "cast_member",
		Table: "cast_members",
		Fields: []Field{
			{Name: "id", Type: "string", Required: true},
			{Name: "name", Type: "string", Required: true, MinLength: 1, MaxLength: 255},
			{Name: "type", Type: "integer"},
			{Name: "created_at", Type: "string", Required: true},
			{Name: "updated_at", Type: "string", Required: true},
		},
	}
)

// Models lists every synchronized model.
func Models() []Model {
	return []Model{Category, Genre, CastMember}
}
