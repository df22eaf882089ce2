package conversation

import "strings"

// Hotline text appended to crisis responses when self-harm or suicidal
// phrasing matched specifically.
const hotlineResources = "If you are in immediate danger, please call or text 988 " +
	"(Suicide & Crisis Lifeline) or text HOME to 741741 (Crisis Text Line). " +
	"You can also call 911 or go to your nearest emergency room."

// crisisTemplates are the empathetic variants used when a message is flagged
// as a crisis. One is chosen by the engine's injectable random source.
var crisisTemplates = []string{
	"I'm really concerned about what you just shared. You don't have to face this alone, and what you're feeling right now can change. ",
	"Thank you for trusting me with something this heavy. Your life matters, and there are people who want to help you through this moment. ",
	"What you're going through sounds incredibly painful. Please know that support is available right now, and reaching out is a strong first step. ",
	"I hear how much pain you're in. You deserve support, and there are people ready to listen at any hour. ",
}

// fallbackRules map message keywords to deterministic template responses used
// when no generative backend is available or it fails.
type fallbackRule struct {
	keywords []string
	response string
}

var fallbackRules = []fallbackRule{
	{
		keywords: []string{"anxious", "anxiety", "panic", "worried"},
		response: "It sounds like anxiety is weighing on you right now. Sometimes slowing your breathing for a minute can take the edge off. What's been driving the worry today?",
	},
	{
		keywords: []string{"sad", "depressed", "down", "hopeless", "empty"},
		response: "I'm sorry things feel this heavy. Those feelings are real and you don't have to carry them alone. Can you tell me a bit more about what's been hardest?",
	},
	{
		keywords: []string{"angry", "furious", "frustrated", "mad"},
		response: "That sounds genuinely frustrating. Anger usually points at something that matters to you. What happened?",
	},
	{
		keywords: []string{"stressed", "stress", "overwhelmed", "pressure", "burnout"},
		response: "That's a lot to be holding at once. When everything piles up, even small steps count. What feels most urgent right now?",
	},
	{
		keywords: []string{"lonely", "alone", "isolated"},
		response: "Feeling alone is one of the hardest things. I'm here with you right now. Is there anyone in your life you've felt able to reach out to lately?",
	},
	{
		keywords: []string{"sleep", "tired", "exhausted", "insomnia"},
		response: "Poor sleep makes everything harder. How have your nights been lately?",
	},
	{
		keywords: []string{"thank", "thanks", "better", "helped"},
		response: "I'm glad that helped a little. You're doing the work here, and that matters.",
	},
}

// genericFallbacks close out the fallback path; this list is never empty so
// the engine always has a non-null empathetic reply.
var genericFallbacks = []string{
	"Thank you for sharing that with me. I'm listening. Can you tell me more about how that's been for you?",
	"That sounds like a lot to sit with. How long have you been feeling this way?",
	"I hear you. Whatever you're carrying, you don't have to sort through it all at once. What's on your mind most right now?",
}

// matchFallback returns the first rule whose keywords appear in the message,
// or empty if none match.
func matchFallback(message string) string {
	lowered := strings.ToLower(message)
	for _, rule := range fallbackRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.response
			}
		}
	}
	return ""
}

// systemDirective returns the generative system prompt for a support level
func systemDirective(supportLevel string) string {
	switch supportLevel {
	case SupportCrisis:
		return "You are a calm, compassionate mental-health support companion speaking with someone in acute distress. " +
			"Prioritize their immediate safety, validate their feelings, encourage them to contact crisis resources, and never lecture."
	case SupportSupportive:
		return "You are a warm mental-health support companion. The person you are speaking with is going through a difficult period. " +
			"Listen actively, validate their feelings, and gently suggest healthy coping strategies. Keep replies short and human."
	default:
		return "You are a friendly, supportive mental-health companion. Listen actively, ask open questions, " +
			"and keep replies short, warm and free of clinical jargon."
	}
}
