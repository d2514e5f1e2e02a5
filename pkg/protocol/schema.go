package protocol

// ToolSchema is the OpenAI function-calling envelope for a single tool.
type ToolSchema struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// NewToolSchema wraps a name, description and parameter schema in the
// function-calling envelope.
func NewToolSchema(name, description string, parameters map[string]interface{}) ToolSchema {
	return ToolSchema{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}
