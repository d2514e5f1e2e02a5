package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// todoList is the in-memory task tracker behind the todo tool. It is
// parent-only, so one list per Builtins instance is enough.
type todoList struct {
	mu    sync.Mutex
	items []todoItem
	next  int
}

type todoItem struct {
	id      int
	content string
	done    bool
}

func newTodoList() *todoList {
	return &todoList{next: 1}
}

type todoArgs struct {
	Action  string `json:"action" jsonschema:"required,enum=add,enum=complete,enum=list,description=Operation to perform"`
	Content string `json:"content,omitempty" jsonschema:"description=Task text for the add action"`
	ID      int    `json:"id,omitempty" jsonschema:"description=Task id for the complete action"`
}

// Todo returns the todo descriptor. It is never exposed to child agents;
// the list is shared state that delegated tasks must not contend over.
func (b *Builtins) Todo() *Descriptor {
	return &Descriptor{
		Name:         "todo",
		Description:  "Track a sequential task list. Actions: add a task, complete a task by id, or list all tasks.",
		Parameters:   MustSchema[todoArgs](),
		Permission:   PermissionAuto,
		AllowedModes: []AgentMode{ModeParent},
		Handler:      b.todo,
	}
}

func (b *Builtins) todo(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		content, _ := args["content"].(string)
		if strings.TrimSpace(content) == "" {
			return "", fmt.Errorf("content is required for add")
		}
		id := b.todos.add(content)
		return fmt.Sprintf("Added task %d: %s", id, content), nil

	case "complete":
		id := intArg(args, "id", 0)
		if !b.todos.complete(id) {
			return "", fmt.Errorf("no task with id %d", id)
		}
		return fmt.Sprintf("Completed task %d", id), nil

	case "list":
		return b.todos.render(), nil

	default:
		return "", fmt.Errorf("unknown action %q (expected add, complete, or list)", action)
	}
}

func (l *todoList) add(content string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.items = append(l.items, todoItem{id: id, content: content})
	return id
}

func (l *todoList) complete(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].id == id {
			l.items[i].done = true
			return true
		}
	}
	return false
}

func (l *todoList) render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return "No tasks"
	}
	var sb strings.Builder
	for _, item := range l.items {
		marker := "[ ]"
		if item.done {
			marker = "[x]"
		}
		fmt.Fprintf(&sb, "%s %d. %s\n", marker, item.id, item.content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
