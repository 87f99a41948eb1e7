package provider

import "strings"

// DefaultLanguage is used for unknown or empty output languages.
const DefaultLanguage = "en-US"

type prompts struct {
	// live is sent to providers that receive camera frames inline.
	live string
	// contextual is sent to providers that get frames as text descriptions.
	contextual string
	// quick asks the vision model for a short spoken description.
	quick string
}

var promptsByLanguage = map[string]prompts{
	"zh-CN": {
		live:       "你是智能眼镜AI助手。必须始终用中文回答，无论用户说什么语言。回答要简练、口语化，像朋友聊天一样。用户戴着眼镜可以看到周围环境，根据画面快速给出有用的建议。不要啰嗦，直接说重点。",
		contextual: "你是智能眼镜AI助手。必须始终用中文回答，无论用户说什么语言。回答要简练、口语化，像朋友聊天一样。用户问到视觉相关的问题时，你会收到画面描述作为上下文，请基于它回答。不要啰嗦，直接说重点。",
		quick:      "用一到两句话描述画面中最重要的内容，适合直接朗读。",
	},
	"en-US": {
		live:       "You are a smart glasses AI assistant. Always respond in English. Keep your answers concise and conversational, like chatting with a friend. The user is wearing glasses and can see their surroundings; give quick, useful suggestions based on what they see. Be direct and to the point.",
		contextual: "You are a smart glasses AI assistant. Always respond in English. Keep your answers concise and conversational, like chatting with a friend. When the user asks vision-related questions you will receive a description of their view as context. Be direct and to the point.",
		quick:      "Describe the most important thing in this image in one or two sentences suitable for reading aloud.",
	},
	"ja-JP": {
		live:       "あなたはスマートグラスのアシスタントです。常に日本語で回答してください。回答は簡潔で会話的に、友達とチャットするように。ユーザーは眼鏡をかけて周囲を見ています。見えるものに基づいて素早く有用なアドバイスを。要点を直接伝えてください。",
		contextual: "あなたはスマートグラスのアシスタントです。常に日本語で回答してください。回答は簡潔で会話的に。視覚に関する質問には、視界の説明がコンテキストとして届くので、それに基づいて答えてください。",
		quick:      "この画像で最も重要なものを、読み上げに適した一、二文で説明してください。",
	},
	"ko-KR": {
		live:       "당신은 스마트 안경 AI 어시스턴트입니다. 항상 한국어로 응답하세요. 친구와 대화하듯이 간결하고 대화적으로 답변하세요. 사용자는 안경을 착용하고 주변을 볼 수 있습니다. 보이는 것에 따라 빠르고 유용한 조언을 제공하세요.",
		contextual: "당신은 스마트 안경 AI 어시스턴트입니다. 항상 한국어로 응답하세요. 간결하고 대화적으로 답변하세요. 시각 관련 질문에는 화면 설명이 컨텍스트로 제공되니 그것을 바탕으로 답변하세요.",
		quick:      "이 이미지에서 가장 중요한 것을 소리 내어 읽기 좋은 한두 문장으로 설명하세요.",
	},
	"es-ES": {
		live:       "Eres el asistente de IA de unas gafas inteligentes. Responde siempre en español. Mantén las respuestas concisas y conversacionales, típicamente de 1 a 3 frases. El usuario lleva las gafas y ve su entorno; da sugerencias rápidas y útiles según lo que ve.",
		contextual: "Eres el asistente de IA de unas gafas inteligentes. Responde siempre en español. Mantén las respuestas concisas. Ante preguntas visuales recibirás una descripción de la vista del usuario como contexto.",
		quick:      "Describe lo más importante de esta imagen en una o dos frases aptas para leer en voz alta.",
	},
	"fr-FR": {
		live:       "Vous êtes l'assistant IA de lunettes intelligentes. Répondez toujours en français. Gardez les réponses concises et naturelles, généralement 1 à 3 phrases. L'utilisateur porte les lunettes et voit son environnement ; donnez des suggestions rapides et utiles selon ce qu'il voit.",
		contextual: "Vous êtes l'assistant IA de lunettes intelligentes. Répondez toujours en français. Gardez les réponses concises. Pour les questions visuelles, une description de la vue de l'utilisateur vous sera fournie comme contexte.",
		quick:      "Décrivez l'élément le plus important de cette image en une ou deux phrases faciles à lire à voix haute.",
	},
}

// NormalizeLanguage maps tags like "en", "EN_us" or "zh" to a supported
// language, defaulting to DefaultLanguage.
func NormalizeLanguage(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return DefaultLanguage
	}
	for lang := range promptsByLanguage {
		if strings.EqualFold(lang, tag) {
			return lang
		}
	}
	base, _, _ := strings.Cut(tag, "-")
	for lang := range promptsByLanguage {
		if strings.EqualFold(strings.SplitN(lang, "-", 2)[0], base) {
			return lang
		}
	}
	return DefaultLanguage
}

// Languages lists the supported output languages.
func Languages() []string {
	return []string{"zh-CN", "en-US", "ja-JP", "ko-KR", "es-ES", "fr-FR"}
}

// Instructions returns the session instructions for lang. inlineImages selects
// the prompt for providers that receive frames directly.
func Instructions(lang string, inlineImages bool) string {
	p := promptsByLanguage[NormalizeLanguage(lang)]
	if inlineImages {
		return p.live
	}
	return p.contextual
}

// QuickVisionPrompt is the localized one-shot description prompt.
func QuickVisionPrompt(lang string) string {
	return promptsByLanguage[NormalizeLanguage(lang)].quick
}
