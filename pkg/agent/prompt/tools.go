package prompt

import "github.com/rexxy-sasori/rlm/pkg/models"

// codeExecutionSchema describes the single "code" argument. Kept as a raw
// JSON Schema string; the model client parses it at request-build time.
const codeExecutionSchema = `{
  "type": "object",
  "properties": {
    "code": {
      "type": "string",
      "description": "Shell code to run in this level's persistent sandbox session."
    }
  },
  "required": ["code"]
}`

const askSubSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "Self-contained question for the sub-reasoner. It cannot see this conversation or the sandbox."
    }
  },
  "required": ["query"]
}`

// CodeExecutionTool returns the definition advertised for sandbox code
// execution. Present at every level that has a session.
func CodeExecutionTool() models.ToolDefinition {
	return models.ToolDefinition{
		Name:             models.ToolCodeExecution,
		Description:      "Run a shell snippet in the persistent sandbox session and return its captured output.",
		ParametersSchema: codeExecutionSchema,
	}
}

// AskSubTool returns the definition advertised for sub-reasoner
// delegation. Absent at the deepest level.
func AskSubTool() models.ToolDefinition {
	return models.ToolDefinition{
		Name:             models.ToolAskSubRLM,
		Description:      "Delegate a self-contained sub-question to a smaller reasoning model and return its final answer.",
		ParametersSchema: askSubSchema,
	}
}
