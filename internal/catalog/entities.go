package catalog

// Entity type names.
const (
	Offices           = "offices"
	OrderTypes        = "order_types"
	WorkflowTemplates = "workflow_templates"
	Profiles          = "profiles"
	Patients          = "patients"
	Orders            = "orders"
	Projects          = "projects"
	Messages          = "messages"
	OrderStateHistory = "order_state_history"
)

// DefaultEntities is the dental-lab dispatch catalogue.
func DefaultEntities() []EntitySpec {
	createdAt := Field{Name: "created_at", Aliases: []string{"created", "date_created"}, Kind: KindTimestamp, Default: RunStart}
	updatedAt := Field{Name: "updated_at", Aliases: []string{"modified", "date_modified"}, Kind: KindTimestamp, Default: RunStart}

	return []EntitySpec{
		{
			Name:       Offices,
			Phase:      PhaseReference,
			Sources:    []string{"dispatch_office"},
			PrimaryKey: "id",
			Target:     "offices",
			Fields: []Field{
				{Name: "name", Kind: KindString, Default: Literal("")},
				{Name: "address", Aliases: []string{"street"}, Kind: KindString, Default: Literal("")},
				{Name: "city", Kind: KindString, Default: Literal("")},
				{Name: "zip_code", Aliases: []string{"zip", "postal_code"}, Kind: KindString, Default: Literal("")},
				{Name: "phone", Aliases: []string{"telephone"}, Kind: KindString, Default: Literal("")},
				{Name: "email", Kind: KindEmail, Default: Literal("")},
				{Name: "is_active", Aliases: []string{"active"}, Kind: KindBool, Default: Literal(true)},
				{Name: "fax", Kind: KindString, Extra: true},
				createdAt,
			},
		},
		{
			Name:       OrderTypes,
			Phase:      PhaseReference,
			Sources:    []string{"dispatch_ordertype", "dispatch_template"},
			PrimaryKey: "id",
			Target:     "order_types",
			Fields: []Field{
				{Name: "name", Aliases: []string{"title"}, Kind: KindString, Default: Literal("")},
				{Name: "description", Kind: KindText, Default: Literal("")},
				{Name: "price", Aliases: []string{"base_price"}, Kind: KindFloat, Default: Literal(0.0)},
				{Name: "turnaround_days", Aliases: []string{"days"}, Kind: KindInt, Default: Literal(int64(0))},
				{Name: "is_active", Aliases: []string{"active"}, Kind: KindBool, Default: Literal(true)},
			},
		},
		{
			Name:       WorkflowTemplates,
			Phase:      PhaseReference,
			Sources:    []string{"workflow_template", "workflow_workflowtemplate"},
			PrimaryKey: "id",
			Target:     "workflow_templates",
			Fields: []Field{
				{Name: "name", Kind: KindString, Default: Literal("")},
				{Name: "steps", Aliases: []string{"definition"}, Kind: KindJSON, Default: Literal("[]")},
				{Name: "is_default", Kind: KindBool, Default: Literal(false)},
			},
		},
		{
			Name:       Profiles,
			Phase:      PhaseParties,
			Sources:    []string{"auth_user"},
			PrimaryKey: "id",
			Target:     "profiles",
			Fields: []Field{
				{Name: "email", Kind: KindEmail, Default: Literal("")},
				{Name: "first_name", Kind: KindString, Default: Literal("")},
				{Name: "last_name", Kind: KindString, Default: Literal("")},
				{Name: "is_active", Kind: KindBool, Default: Literal(true)},
				{Name: "last_login", Kind: KindTimestamp},
				{Name: "username", Kind: KindString, Extra: true},
				{Name: "is_staff", Kind: KindBool, Extra: true},
				{Name: "created_at", Aliases: []string{"date_joined"}, Kind: KindTimestamp, Default: RunStart},
			},
		},
		{
			Name:       Patients,
			Phase:      PhaseParties,
			Sources:    []string{"dispatch_patient"},
			PrimaryKey: "id",
			Target:     "patients",
			Fields: []Field{
				{Name: "first_name", Kind: KindString, Default: Literal("")},
				{Name: "last_name", Kind: KindString, Default: Literal("")},
				{Name: "birth_date", Aliases: []string{"birthdate", "date_of_birth"}, Kind: KindDate},
				{Name: "sex", Aliases: []string{"gender"}, Kind: KindCode, Default: Literal("")},
				{Name: "notes", Kind: KindText, Extra: true},
				createdAt,
			},
			ForeignKeys: []ForeignKey{
				{Column: "office_id", References: Offices, Required: true},
				{Column: "profile_id", Aliases: []string{"user_id"}, References: Profiles},
			},
			DependsOn: []string{Profiles, Offices},
		},
		{
			Name:       Orders,
			Phase:      PhaseCore,
			Sources:    []string{"dispatch_order", "dispatch_instruction"},
			PrimaryKey: "id",
			Target:     "orders",
			Fields: []Field{
				{Name: "reference", Aliases: []string{"number", "code"}, Kind: KindString, Default: Literal("")},
				{Name: "price", Aliases: []string{"total"}, Kind: KindFloat, Default: Literal(0.0)},
				{Name: "due_date", Aliases: []string{"deadline"}, Kind: KindDate},
				{Name: "is_urgent", Aliases: []string{"urgent"}, Kind: KindBool, Default: Literal(false)},
				{Name: "notes", Aliases: []string{"comment"}, Kind: KindText, Extra: true},
				createdAt,
				updatedAt,
			},
			ForeignKeys: []ForeignKey{
				{Column: "office_id", References: Offices, Required: true},
				{Column: "patient_id", References: Patients},
				{Column: "order_type_id", Aliases: []string{"template_id", "type_id"}, References: OrderTypes},
				{Column: "workflow_template_id", Aliases: []string{"workflow_id"}, References: WorkflowTemplates},
			},
			DependsOn: []string{Patients, Offices, OrderTypes, WorkflowTemplates},
		},
		{
			Name:       Projects,
			Phase:      PhaseCore,
			Sources:    []string{"dispatch_project"},
			PrimaryKey: "id",
			Target:     "projects",
			Fields: []Field{
				{Name: "name", Aliases: []string{"title"}, Kind: KindString, Default: Literal("")},
				{Name: "description", Kind: KindText, Default: Literal("")},
				{Name: "is_archived", Aliases: []string{"archived"}, Kind: KindBool, Default: Literal(false)},
				createdAt,
			},
			ForeignKeys: []ForeignKey{
				{Column: "order_id", References: Orders, Required: true},
			},
			DependsOn: []string{Orders},
		},
		{
			Name:       Messages,
			Phase:      PhaseDependent,
			Sources:    []string{"dispatch_message"},
			PrimaryKey: "id",
			Target:     "messages",
			Fields: []Field{
				{Name: "body", Aliases: []string{"text", "content"}, Kind: KindHTML, Default: Literal("")},
				{Name: "is_public", Aliases: []string{"public"}, Kind: KindBool, Default: Literal(false)},
				createdAt,
			},
			ForeignKeys: []ForeignKey{
				{Column: "author_id", Aliases: []string{"user_id", "sender_id"}, References: Profiles},
			},
			Generic: &Generic{
				TypeColumn:   "content_type_id",
				ObjectColumn: "object_id",
				Targets: map[string]string{
					Patients: "patient_id",
					Offices:  "office_id",
					Orders:   "order_id",
					Projects: "project_id",
					Messages: "parent_message_id",
				},
			},
			DependsOn: []string{Profiles, Patients, Offices, Orders, Projects},
		},
		{
			Name:       OrderStateHistory,
			Phase:      PhaseState,
			Sources:    []string{"dispatch_orderstatelog", "dispatch_orderstatus"},
			PrimaryKey: "id",
			Target:     "order_state_history",
			Fields: []Field{
				{Name: "state", Aliases: []string{"status"}, Kind: KindCode, Default: Literal("")},
				{Name: "changed_at", Aliases: []string{"timestamp", "created"}, Kind: KindTimestamp, Default: RunStart},
				{Name: "note", Aliases: []string{"comment"}, Kind: KindText, Extra: true},
			},
			ForeignKeys: []ForeignKey{
				{Column: "order_id", References: Orders, Required: true},
				{Column: "actor_id", Aliases: []string{"user_id"}, References: Profiles},
			},
			Fold: &StateFold{
				Parent:             Orders,
				ParentColumn:       "order_id",
				StateField:         "state",
				AtField:            "changed_at",
				CurrentStateColumn: "current_state",
				CurrentSinceColumn: "current_state_since",
			},
			DependsOn: []string{Orders},
		},
	}
}

// Builtin returns the catalogue built from DefaultEntities.
func Builtin() *Catalog { return MustNew(DefaultEntities()) }
