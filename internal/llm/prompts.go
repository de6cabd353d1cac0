package llm

import (
	"strconv"
	"strings"
)

// Prompt templates use {placeholder} substitution instead of fmt verbs so
// that literal JSON braces in the templates survive untouched.

const extractionPromptTemplate = `You are a semantic extraction expert. Read the input text and extract its semantic structure.

Extract:
- mentions: every entity mentioned, with its role, current state, the action it performs, its location, and the time window if stated
- relations: short statements describing relations between entities
- open_questions: forward-falling questions the text raises but does not answer (for example: after an arrest, when will the indictment happen, where will the trial be held, will bail be granted)

Respond with ONLY a JSON object in exactly this shape, no commentary:
{
  "mentions": [
    {"name": "", "role": "", "state": "", "action": "", "location": "", "time_start": "", "time_end": ""}
  ],
  "relations": [""],
  "open_questions": [
    {"question": "", "related_entities": [""]}
  ]
}

Omit fields you cannot determine by leaving them empty. Keep names exactly as written in the input, including non-Latin scripts.

Input text:
{input_text}`

const mergePromptTemplate = `You are a memory reconciliation expert. Merge the new semantic structure into the current workspace and return the complete updated workspace.

Rules:
1. Keep every existing entity. Each mention in the new structure carries an "entity_id"; use it to match existing entities, and key new entities under it with their "id" field set to the same value. Never invent or change ids.
2. The updated workspace "version" MUST be exactly {next_version}.
3. Preserve all existing attributes of every entity; add or overwrite attributes from the new information, never silently drop one.
4. When an entity's state changes, append an entry to its "history" with the timestamp and the changed attributes.
5. Check "open_questions": if the new information answers a question, set its "status" to "answered" and fill "answer" and "answered_at". Append new open questions from the incoming structure.
6. Maintain temporal and spatial consistency; resolve duplicate entities by merging them into the one with the existing id.

Respond with ONLY the full updated workspace JSON object, no commentary, no markdown fences.
{retry_notice}
Current workspace:
{current_workspace}

New semantic structure:
{new_structure}`

const answerPromptTemplate = `You are a memory assistant. Answer the question using ONLY the retrieved memory and workspace context below. If the context does not contain the answer, say you do not know. Answer in the language of the question, in plain text.

Retrieved memory:
{summaries}

Workspace context:
{workspace_context}

Question:
{query}`

const summaryPromptTemplate = `Summarize what is currently known about the following entity in at most three sentences, in the language of the source material. State its role, current state, location, and most recent change. Plain text only.

Entity record:
{entity_json}`

// renderPrompt substitutes {key} placeholders in a template. Plain string
// replacement keeps the templates' literal JSON braces intact.
func renderPrompt(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

// ExtractionPrompt builds the semantic extraction prompt for the given text.
func ExtractionPrompt(text string) string {
	return renderPrompt(extractionPromptTemplate, map[string]string{
		"input_text": text,
	})
}

// MergePrompt builds the workspace merge prompt. failureReason, when non-empty,
// is the validation error from the previous attempt and is surfaced to the
// model so the retry can correct it.
func MergePrompt(currentWorkspaceJSON, newStructureJSON string, nextVersion uint64, failureReason string) string {
	retryNotice := ""
	if failureReason != "" {
		retryNotice = "\nPREVIOUS ATTEMPT REJECTED: " + failureReason + "\nCorrect this in your next response.\n"
	}
	return renderPrompt(mergePromptTemplate, map[string]string{
		"next_version":      strconv.FormatUint(nextVersion, 10),
		"retry_notice":      retryNotice,
		"current_workspace": currentWorkspaceJSON,
		"new_structure":     newStructureJSON,
	})
}

// AnswerPrompt builds the grounded answer prompt from retrieved summaries and
// workspace context.
func AnswerPrompt(query, summaries, workspaceContext string) string {
	return renderPrompt(answerPromptTemplate, map[string]string{
		"summaries":         summaries,
		"workspace_context": workspaceContext,
		"query":             query,
	})
}

// SummaryPrompt builds the per-entity episodic summary prompt.
func SummaryPrompt(entityJSON string) string {
	return renderPrompt(summaryPromptTemplate, map[string]string{
		"entity_json": entityJSON,
	})
}
