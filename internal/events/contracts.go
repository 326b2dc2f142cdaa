package events

// The closed event vocabulary. Core producers publish only these types;
// payloads come from the builder functions below so producers and consumers
// share a schema.
const (
	TypeDialogueUserMessage       = "dialogue.user_message"
	TypeDialogueAssistantResponse = "dialogue.assistant_response"

	TypeMemoryRecorded          = "memory.recorded"
	TypeMemoryCoreUpdated       = "memory.core.updated"
	TypeMemoryFactUpserted      = "memory.fact.upserted"
	TypeMemoryHabitRecorded     = "memory.habit.recorded"
	TypeMemoryEmotionalSnapshot = "memory.emotional_snapshot.attached"

	TypeEmotionAnalysisStarted = "emotion.analysis.started"
	TypeEmotionRuleScored      = "emotion.analysis.rule.scored"
	TypeEmotionCompleted       = "emotion.analysis.completed"

	TypeCharacterEmotionChanged = "character.emotion_changed"

	TypeAgentCreated         = "agent.created"
	TypeAgentMessageCreated  = "agent.message.created"
	TypeAgentWakeupStarted   = "agent.wakeup.started"
	TypeAgentWakeupCompleted = "agent.wakeup.completed"

	TypeOperationWindowConnected    = "operation.window.connected"
	TypeOperationWindowDisconnected = "operation.window.disconnected"
	TypeOperationInputPerformed     = "operation.input.performed"
	TypeOperationTemplateMatched    = "operation.template.matched"
	TypeOperationActionCompleted    = "operation.action.completed"
)

// NewUserMessage announces a user turn entering the dialogue engine.
func NewUserMessage(sessionID, content, source string) *Event {
	return New(TypeDialogueUserMessage, map[string]any{
		"session_id": sessionID,
		"content":    content,
	}, source)
}

// NewAssistantResponse announces the final assistant reply for a turn.
func NewAssistantResponse(sessionID, content, model, source string) *Event {
	return New(TypeDialogueAssistantResponse, map[string]any{
		"session_id": sessionID,
		"content":    content,
		"model":      model,
	}, source)
}

// NewMemoryRecorded announces a fully ingested memory record: store, vector
// index, and graph extraction have all completed by the time this fires.
func NewMemoryRecorded(recordID, sessionID, role, source string) *Event {
	return New(TypeMemoryRecorded, map[string]any{
		"record_id":  recordID,
		"session_id": sessionID,
		"role":       role,
	}, source)
}

// NewMemoryCoreUpdated announces an update to the core profile layer.
func NewMemoryCoreUpdated(profileID, summary, sessionID, source string) *Event {
	return New(TypeMemoryCoreUpdated, map[string]any{
		"profile_id": profileID,
		"summary":    summary,
		"session_id": sessionID,
	}, source)
}

// NewMemoryFactUpserted announces a semantic fact upsert.
func NewMemoryFactUpserted(factID, sessionID, subject, predicate, object, source string) *Event {
	return New(TypeMemoryFactUpserted, map[string]any{
		"fact_id":    factID,
		"session_id": sessionID,
		"subject":    subject,
		"predicate":  predicate,
		"object":     object,
	}, source)
}

// NewMemoryHabitRecorded announces a procedural habit insert.
func NewMemoryHabitRecorded(habitID, sessionID, taskType, instruction, source string) *Event {
	return New(TypeMemoryHabitRecorded, map[string]any{
		"habit_id":    habitID,
		"session_id":  sessionID,
		"task_type":   taskType,
		"instruction": instruction,
	}, source)
}

// NewEmotionalSnapshotAttached announces that a record carried an emotion
// block alongside its layered updates.
func NewEmotionalSnapshotAttached(recordID, sessionID string, emotion map[string]any, source string) *Event {
	return New(TypeMemoryEmotionalSnapshot, map[string]any{
		"record_id":  recordID,
		"session_id": sessionID,
		"emotion":    emotion,
	}, source)
}

// NewAgentCreated announces a new agent registration.
func NewAgentCreated(agentID, name, parentID, source string) *Event {
	return New(TypeAgentCreated, map[string]any{
		"agent_id":  agentID,
		"name":      name,
		"parent_id": parentID,
	}, source)
}

// NewAgentMessageCreated announces a message appended to an agent log.
func NewAgentMessageCreated(agentID, messageID, role, source string) *Event {
	return New(TypeAgentMessageCreated, map[string]any{
		"agent_id":   agentID,
		"message_id": messageID,
		"role":       role,
	}, source)
}

// NewAgentWakeupStarted announces an inbox drain beginning, with the number
// of pending messages drained.
func NewAgentWakeupStarted(agentID string, pending int, source string) *Event {
	return New(TypeAgentWakeupStarted, map[string]any{
		"agent_id": agentID,
		"pending":  pending,
	}, source)
}

// NewAgentWakeupCompleted announces the end of a wakeup cycle.
func NewAgentWakeupCompleted(agentID string, durationMS int64, source string) *Event {
	return New(TypeAgentWakeupCompleted, map[string]any{
		"agent_id":    agentID,
		"duration_ms": durationMS,
	}, source)
}

// NewCharacterEmotionChanged announces a character emotion transition.
func NewCharacterEmotionChanged(emotion string, intensity float64, source string) *Event {
	return New(TypeCharacterEmotionChanged, map[string]any{
		"emotion":   emotion,
		"intensity": intensity,
	}, source)
}
