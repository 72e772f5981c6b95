package convo

// Canned fallback lines, spoken when the AI gateway fails a turn. One per
// supported device language.
var apologies = map[string]string{
	"en": "Sorry, I'm having trouble answering right now. Could you say that again?",
	"he": "סליחה, אני מתקשה לענות כרגע. אפשר לחזור על זה?",
	"ar": "عذرا، أواجه مشكلة في الإجابة الآن. هل يمكنك تكرار ذلك؟",
	"ru": "Извините, мне сейчас трудно ответить. Повторите, пожалуйста.",
	"fr": "Désolé, j'ai du mal à répondre pour le moment. Pouvez-vous répéter ?",
	"es": "Lo siento, tengo problemas para responder ahora mismo. ¿Puede repetirlo?",
}

// apology returns the fallback line for lang, defaulting to English.
func apology(lang string) string {
	if line, ok := apologies[lang]; ok {
		return line
	}
	return apologies["en"]
}
