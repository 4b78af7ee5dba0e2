package prompts

// SynthesisNudge is appended as a user turn when the model returns an
// empty reply, or when the turn ceiling is reached and tools are
// withdrawn. It asks for an answer from what is already known.
const SynthesisNudge = "Based on everything you found, give your answer now."

// EmptyResponseFallback is the user-facing message returned when the
// model fails to produce content even after being nudged.
const EmptyResponseFallback = "I checked but couldn't formulate a response."

// TaskIncomplete prefixes the answer when a cycle stops at the turn
// ceiling without a final reply.
const TaskIncomplete = "I ran out of steps before finishing that task."

// DegradedAnswer is returned when the model provider fails and the
// cycle cannot continue.
const DegradedAnswer = "I couldn't complete that because the model service is unavailable. Please try again shortly."

// AlreadyExecuted is the tool result content for a repeated mutating
// call within one cycle. The format verb is the earlier result.
const AlreadyExecuted = "Already executed earlier in this conversation turn; not repeated. Earlier result: %s"
