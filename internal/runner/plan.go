package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/graph"
	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/store"
)

const architectPersona = "architect"

// workflowSchemaJSON is the shape the architect persona's response must
// match before graph.Validate runs its DAG-level checks (spec.md §4.7
// plan phase, "extract JSON workflow... validate").
const workflowSchemaJSON = `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string"},
          "name": {"type": "string"},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"},
          "condition": {"type": "string"},
          "label": {"type": "string"}
        }
      }
    },
    "variables": {"type": "object"}
  }
}`

func compileWorkflowSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	return c.Compile("workflow.json")
}

// rawWorkflow is the subset of store.Workflow the architect persona is
// asked to produce; id/taskId/createdAt are filled in by the runner, not
// the model.
type rawWorkflow struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Nodes       []store.Node           `json:"nodes"`
	Edges       []store.Edge           `json:"edges"`
	Variables   map[string]interface{} `json:"variables"`
}

// plan runs spec.md §4.7's plan phase: assemble the planning prompt,
// invoke the architect persona, extract and validate the JSON workflow,
// retrying the backend once on failure, and falling back to a minimal
// direct-answer workflow if the response reads as natural language
// instead of a workflow.
func (r *Runner) plan(ctx context.Context, task store.Task) (store.Workflow, error) {
	if err := r.Store.PutTask(setTaskStatus(task, store.TaskPlanning)); err != nil {
		return store.Workflow{}, fmt.Errorf("persist planning status: %w", err)
	}

	prompt := r.buildPlanningPrompt(task)
	persona := ""
	if r.Persona != nil {
		persona = r.Persona.ResolvePersona(architectPersona)
	}

	response, err := r.Backend.Invoke(ctx, backend.Options{Prompt: persona + "\n\n" + prompt})
	if err != nil {
		return store.Workflow{}, fmt.Errorf("invoke architect: %w", err)
	}
	_ = r.Store.AppendConversationEntry(task.ID, store.ConversationEntry{Role: "assistant", Text: response.Response, SessionID: response.SessionID})

	wf, ok := r.parseWorkflow(response.Response, task)
	if !ok {
		retryPrompt := "Your previous response did not contain a valid workflow JSON object with \"nodes\" and \"edges\" arrays. " +
			"Respond again with ONLY that JSON object, no surrounding prose."
		retryResp, err := r.Backend.Invoke(ctx, backend.Options{Prompt: retryPrompt, SessionID: response.SessionID})
		if err != nil {
			return store.Workflow{}, fmt.Errorf("invoke architect retry: %w", err)
		}
		wf, ok = r.parseWorkflow(retryResp.Response, task)
		if !ok {
			wf = directAnswerWorkflow(task, retryResp.Response)
		}
	}

	if err := r.Store.PutWorkflow(task.ID, wf); err != nil {
		return store.Workflow{}, fmt.Errorf("persist workflow: %w", err)
	}

	if looksGeneric(task.Title) {
		if title, err := r.generateTitle(ctx, task, wf); err == nil && title != "" {
			task.Title = title
			task.UpdatedAt = time.Now().UTC()
			_ = r.Store.PutTask(task)
		}
	}

	return wf, nil
}

// parseWorkflow extracts JSON from response, validates it against the
// workflow schema, then converts it into a complete store.Workflow. It
// returns ok=false for anything that isn't a schema-valid workflow,
// including a direct natural-language answer.
func (r *Runner) parseWorkflow(response string, task store.Task) (store.Workflow, bool) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return store.Workflow{}, false
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return store.Workflow{}, false
	}
	if r.workflowSchema != nil {
		if err := r.workflowSchema.Validate(parsed); err != nil {
			return store.Workflow{}, false
		}
	}

	var raw rawWorkflow
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return store.Workflow{}, false
	}

	wf := store.Workflow{
		ID:          ids.NewPrefixed("wf"),
		TaskID:      task.ID,
		Name:        raw.Name,
		Description: raw.Description,
		CreatedAt:   time.Now().UTC(),
		Nodes:       raw.Nodes,
		Edges:       raw.Edges,
		Variables:   raw.Variables,
	}
	if wf.Name == "" {
		wf.Name = task.Title
	}
	if err := graph.Validate(wf); err != nil {
		return store.Workflow{}, false
	}
	return wf, true
}

// directAnswerWorkflow synthesizes the minimal start->end fallback
// workflow (spec.md §4.7) when the backend produced a direct
// natural-language answer instead of a workflow.
func directAnswerWorkflow(task store.Task, answer string) store.Workflow {
	now := time.Now().UTC()
	return store.Workflow{
		ID:          ids.NewPrefixed("wf"),
		TaskID:      task.ID,
		Name:        task.Title,
		Description: "Direct answer, no multi-step plan was needed.",
		CreatedAt:   now,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart, Name: "start"},
			{ID: "end", Type: store.NodeEnd, Name: "end"},
		},
		Edges: []store.Edge{
			{From: "start", To: "end"},
		},
		Variables: map[string]interface{}{
			"isDirectAnswer": true,
			"answer":         answer,
		},
	}
}

func (r *Runner) buildPlanningPrompt(task store.Task) string {
	var b strings.Builder
	b.WriteString("Design a workflow for the following task.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Description: %s\n\n", task.Description)

	if r.Memory != nil {
		if results, err := r.Memory.Retrieve(task.Description, 5); err == nil && len(results) > 0 {
			b.WriteString("Relevant past experience:\n")
			for _, res := range results {
				fmt.Fprintf(&b, "- (%s) %s\n", res.Entry.Category, res.Entry.Content)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("Respond with ONLY a JSON object of shape " +
		"{\"name\":...,\"description\":...,\"nodes\":[{\"id\":...,\"type\":...,\"name\":...,\"config\":{...}}],\"edges\":[{\"from\":...,\"to\":...,\"condition\":...}],\"variables\":{...}}. " +
		"Valid node types: start, end, task, parallel, join, condition, human, delay, schedule, switch, assign, script, loop, foreach. " +
		"Every workflow needs exactly one start and at least one end node. " +
		"If the task is a simple question with no steps worth tracking, you may instead answer it directly in plain text.")
	return b.String()
}

func (r *Runner) generateTitle(ctx context.Context, task store.Task, wf store.Workflow) (string, error) {
	prompt := fmt.Sprintf("Generate a short, descriptive title (max 8 words, no punctuation at the end) for this task:\n\n%s", task.Description)
	result, err := r.Backend.Invoke(ctx, backend.Options{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Trim(result.Response, "\"")), nil
}

func looksGeneric(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	switch t {
	case "", "untitled", "untitled task", "new task", "task":
		return true
	}
	return len(t) < 4
}

func setTaskStatus(task store.Task, status store.TaskStatus) store.Task {
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return task
}
