package registry

// ActionConfiguration is the durable description of a registered action:
// its candidate signatures, argument types, and where its handler lives.
type ActionConfiguration struct {
	ActionName                         string            `json:"action_name"`
	ActionSignature                    []string          `json:"action_signature"`
	ActionAlternativeSignature         []string          `json:"action_alternative_signature,omitempty"`
	ArgumentConfigurationByArgumentName map[string]string `json:"argument_configuration_by_argument_name"`
	ContextName                        string            `json:"context_name"`
	FilePath                           string            `json:"file_path"`
	MethodName                         string            `json:"method_name"`
	EventName                          string            `json:"event_name,omitempty"`
	ActionNameToExtend                 string            `json:"action_name_to_extend,omitempty"`
}

// ExtendableActionConfiguration is an ActionConfiguration plus the
// template material a templated action needs to derive its effective
// name and default arguments.
type ExtendableActionConfiguration struct {
	ActionConfiguration

	ExtendableActionName                 string            `json:"extendable_action_name"`
	ExtendableActionArgumentDefault       map[string]string `json:"extendable_action_argument_default"`
	ExtendableAlternativeActionSignature []string          `json:"extendable_alternative_action_signature,omitempty"`
}

// ResourceStructure describes a resource type's shape for the template
// evaluator's generate_resource_model_from_resource_structure_by_resource_type
// namespace function.
type ResourceStructure struct {
	ResourceType             string            `json:"resource_type"`
	PropertiesByArgumentName map[string]string `json:"properties_by_argument_name"`
	ContextName              string            `json:"context_name"`
	FilePath                 string            `json:"file_path"`
}
