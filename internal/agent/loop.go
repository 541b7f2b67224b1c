package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/tools"
	"github.com/kousw/codelia/pkg/models"
)

// run drives one turn. Events are written in stream order; exactly one
// final event terminates a normal run, and transport failures or aborts
// surface as a single event carrying Err.
func (a *Agent) run(ctx context.Context, message *models.Message, opts *RunOptions, events chan<- *models.AgentEvent) {
	rec := a.newRecorder(opts.Session)

	emit := func(event *models.AgentEvent) {
		events <- event
	}
	fail := func(err error) {
		emit(&models.AgentEvent{Err: err})
	}

	if opts.ForceCompaction {
		if a.opts.Compaction != nil {
			compacted, err := a.opts.Compaction.Compact(ctx, a.history.Messages())
			if err != nil {
				fail(err)
				return
			}
			a.history.Replace(compacted)
		}
		emit(&models.AgentEvent{Type: models.EventFinal, Content: compactionRunCompleted})
		return
	}

	if a.opts.SystemPrompt != "" {
		a.history.EnqueueSystem(a.opts.SystemPrompt)
	}
	if message != nil {
		a.history.Enqueue(message)
	}

	toolCtx := tools.NewContext(a.opts.Dependencies, a.opts.Logger)

	for iteration := 0; iteration < a.opts.MaxIterations; iteration++ {
		if err := abortError(ctx); err != nil {
			fail(err)
			return
		}

		if a.opts.ToolCache != nil {
			a.opts.ToolCache.TrimHistory(a.history.Messages(), a.contextWindow())
		}

		req := &llm.Request{
			Messages:   a.history.PrepareInput(),
			Tools:      a.opts.Registry.Definitions(),
			ToolChoice: a.opts.ToolChoice,
			Model:      a.opts.Model,
		}
		rec.append(RecordLLMRequest, req)

		completion, err := a.opts.Provider.Invoke(ctx, req, &llm.InvokeContext{SessionKey: a.opts.SessionKey})
		if err != nil {
			fail(err)
			return
		}
		a.accountant.Record(completion.Usage)
		a.history.Commit(completion.Messages)
		rec.append(RecordLLMResponse, completion)

		var assistantTexts []string
		var toolCalls []models.ToolCall
		for _, msg := range completion.Messages {
			switch msg.Role {
			case models.RoleReasoning:
				if text := msg.Text(); text != "" {
					emit(&models.AgentEvent{Type: models.EventReasoning, Content: text})
				}
			case models.RoleAssistant:
				if text := msg.Text(); text != "" {
					assistantTexts = append(assistantTexts, text)
				}
				toolCalls = append(toolCalls, msg.ToolCalls...)
			}
		}

		for _, cb := range collectHostedCallbacks(completion.Messages) {
			emit(&models.AgentEvent{Type: models.EventStepStart, StepID: cb.ID, ToolName: cb.Name})
			emit(&models.AgentEvent{Type: models.EventToolCall, StepID: cb.ID, ToolName: cb.Name, ToolCallID: cb.ID, Arguments: cb.Summary})
			emit(&models.AgentEvent{Type: models.EventToolResult, StepID: cb.ID, ToolName: cb.Name, ToolCallID: cb.ID, Result: cb.Status})
			emit(&models.AgentEvent{Type: models.EventStepComplete, StepID: cb.ID, ToolName: cb.Name, Status: hostedStepStatus(cb.Status)})
		}

		if len(toolCalls) == 0 {
			if !a.opts.RequireDoneTool {
				// The final event carries the same text, so no text
				// events are emitted for the terminal turn.
				if err := a.maybeCompact(ctx, emit); err != nil {
					fail(err)
					return
				}
				emit(&models.AgentEvent{Type: models.EventFinal, Content: strings.Join(assistantTexts, "\n")})
				return
			}
			for _, text := range assistantTexts {
				emit(&models.AgentEvent{Type: models.EventText, Content: text})
			}
			if err := a.maybeCompact(ctx, emit); err != nil {
				fail(err)
				return
			}
			continue
		}

		for _, text := range assistantTexts {
			emit(&models.AgentEvent{Type: models.EventText, Content: text})
		}

		for _, call := range toolCalls {
			done, finalMsg, err := a.executeToolCall(ctx, call, toolCtx, rec, emit)
			if err != nil {
				fail(err)
				return
			}
			if done {
				if finalMsg == "" {
					finalMsg = strings.Join(assistantTexts, "\n")
				}
				emit(&models.AgentEvent{Type: models.EventFinal, Content: finalMsg})
				return
			}
		}

		if err := a.maybeCompact(ctx, emit); err != nil {
			fail(err)
			return
		}
	}

	a.finishAtIterationCap(ctx, rec, emit)
}

func hostedStepStatus(status string) models.StepStatus {
	if status == "completed" {
		return models.StepCompleted
	}
	return models.StepInProgress
}

// executeToolCall runs one function tool call through the permission
// hook and executor, feeding the result back into history. It returns
// done=true when the turn must end (TaskComplete or a stop_turn denial).
func (a *Agent) executeToolCall(ctx context.Context, call models.ToolCall, toolCtx *tools.Context, rec *recorder, emit func(*models.AgentEvent)) (done bool, finalMsg string, fatal error) {
	name := call.Function.Name
	parsed, rawArgs, parsedOK := tools.ParseArgs(call.Function.Arguments)

	emit(&models.AgentEvent{Type: models.EventStepStart, StepID: call.ID, ToolName: name})
	emit(&models.AgentEvent{Type: models.EventToolCall, StepID: call.ID, ToolName: name, ToolCallID: call.ID, Arguments: string(rawArgs)})

	finishError := func(content string) {
		msg := models.ToolMessage(call.ID, name, content, true)
		a.pushToolMessage(ctx, msg, rec)
		emit(&models.AgentEvent{Type: models.EventToolResult, StepID: call.ID, ToolName: name, ToolCallID: call.ID, Result: content, IsError: true})
		emit(&models.AgentEvent{Type: models.EventStepComplete, StepID: call.ID, ToolName: name, Status: models.StepError})
	}

	tool, ok := a.opts.Registry.Get(name)
	if !ok {
		finishError("Error: Unknown tool '" + name + "'")
		return false, "", nil
	}

	if a.opts.PermissionHook != nil {
		decision, hookErr := a.opts.PermissionHook(ctx, call, rawArgs, toolCtx)
		if hookErr != nil {
			if err := abortError(ctx); err != nil {
				return false, "", err
			}
			decision = tools.PermissionDecision{Allow: false, Reason: hookErr.Error()}
		}
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = "denied"
			}
			finishError("Permission denied: " + reason)
			if decision.StopTurn {
				return true, permissionDeniedFinal, nil
			}
			return false, "", nil
		}
	}

	// A parse failure skips schema validation: the {_raw} fallback goes
	// straight to the tool, which decides validity itself.
	if parsedOK {
		if validator := a.opts.Registry.Validator(name); validator != nil {
			if err := tools.ValidateArgs(validator, parsed); err != nil {
				finishError("Error: " + err.Error())
				return false, "", nil
			}
		}
	}

	result, execErr := tool.Execute(ctx, rawArgs, toolCtx)

	var taskComplete *tools.TaskComplete
	if errors.As(execErr, &taskComplete) {
		msg := models.ToolMessage(call.ID, name, taskCompleteContent, false)
		a.pushToolMessage(ctx, msg, rec)
		emit(&models.AgentEvent{Type: models.EventToolResult, StepID: call.ID, ToolName: name, ToolCallID: call.ID, Result: taskCompleteContent})
		emit(&models.AgentEvent{Type: models.EventStepComplete, StepID: call.ID, ToolName: name, Status: models.StepOK})
		return true, taskComplete.FinalMessage, nil
	}
	if execErr != nil {
		if err := abortError(ctx); err != nil {
			return false, "", err
		}
		finishError("Error: " + execErr.Error())
		return false, "", nil
	}
	if result == nil {
		result = tools.TextResult("")
	}

	msg := result.ToMessage(call.ID, name)
	a.pushToolMessage(ctx, msg, rec)
	emit(&models.AgentEvent{Type: models.EventToolResult, StepID: call.ID, ToolName: name, ToolCallID: call.ID, Result: msg.Text(), IsError: result.IsError})
	status := models.StepOK
	if result.IsError {
		status = models.StepError
	}
	emit(&models.AgentEvent{Type: models.EventStepComplete, StepID: call.ID, ToolName: name, Status: status})
	return false, "", nil
}

// pushToolMessage runs the tool-output cache and appends the message.
func (a *Agent) pushToolMessage(ctx context.Context, msg *models.Message, rec *recorder) {
	if a.opts.ToolCache != nil {
		msg = a.opts.ToolCache.ProcessToolMessage(ctx, msg)
	}
	a.history.Enqueue(msg)
	rec.append(RecordToolOutput, msg)
}

// maybeCompact runs compaction when the threshold is crossed. Abort
// errors propagate; the service swallows other failures.
func (a *Agent) maybeCompact(ctx context.Context, emit func(*models.AgentEvent)) error {
	if a.opts.Compaction == nil || !a.opts.Compaction.ShouldCompact(a.accountant.Last()) {
		return nil
	}
	emit(&models.AgentEvent{Type: models.EventCompactionStart})
	compacted, err := a.opts.Compaction.Compact(ctx, a.history.Messages())
	if err != nil {
		return err
	}
	a.history.Replace(compacted)
	emit(&models.AgentEvent{Type: models.EventCompactionComplete})
	return nil
}

// finishAtIterationCap makes one last tool-less call asking for a
// summary, then emits the terminal event.
func (a *Agent) finishAtIterationCap(ctx context.Context, rec *recorder, emit func(*models.AgentEvent)) {
	input := append(append([]*models.Message(nil), a.history.PrepareInput()...), models.UserMessage(iterationSummaryPrompt))
	req := &llm.Request{
		Messages:   input,
		Tools:      nil,
		ToolChoice: llm.ToolChoiceNone,
		Model:      a.opts.Model,
	}
	rec.append(RecordLLMRequest, req)

	completion, err := a.opts.Provider.Invoke(ctx, req, &llm.InvokeContext{SessionKey: a.opts.SessionKey})
	if err != nil {
		if abortErr := abortError(ctx); abortErr != nil {
			emit(&models.AgentEvent{Err: abortErr})
			return
		}
		a.opts.Logger.Warn("iteration cap summary failed", "error", err)
		emit(&models.AgentEvent{Type: models.EventFinal, Content: maxIterationsFallback})
		return
	}
	a.accountant.Record(completion.Usage)
	rec.append(RecordLLMResponse, completion)

	var texts []string
	for _, msg := range completion.Messages {
		if msg.Role == models.RoleAssistant {
			if text := msg.Text(); text != "" {
				texts = append(texts, text)
			}
		}
	}
	emit(&models.AgentEvent{Type: models.EventFinal, Content: maxIterationsPrefix + strings.Join(texts, "\n")})
}
