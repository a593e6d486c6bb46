package telegram

import (
	"fmt"
	"strings"

	"github.com/worthit-bot/worthit/internal/domain"
)

// failureMessages maps language -> failure category -> user-visible text.
// Unknown languages fall back to English, unknown categories to "other".
var failureMessages = map[string]map[string]string{
	"en": {
		domain.FailInvalidURL: "That doesn't look like a product link I can open. Please send a full URL starting with http:// or https://.",
		domain.FailAuth:       "I couldn't reach the analysis service right now. Please try again in a few minutes.",
		domain.FailOther:      "Something went wrong while analyzing this product. Please try again later.",
	},
	"ru": {
		domain.FailInvalidURL: "Это не похоже на ссылку на товар. Пришлите полный адрес, начинающийся с http:// или https://.",
		domain.FailAuth:       "Не удалось связаться с сервисом анализа. Попробуйте снова через несколько минут.",
		domain.FailOther:      "Что-то пошло не так при анализе товара. Попробуйте позже.",
	},
}

// FailureMessage returns the localized text for a failure category.
func FailureMessage(lang, category string) string {
	byCategory, ok := failureMessages[lang]
	if !ok {
		byCategory = failureMessages["en"]
	}
	if msg, ok := byCategory[category]; ok {
		return msg
	}
	return byCategory[domain.FailOther]
}

const (
	startMessage = "Hi! Send me a product link and I'll tell you whether it's worth it: price, reviews, sentiment, and a value score."
	helpMessage  = "Paste a full product URL (http:// or https://) and I'll analyze it.\n\nCommands:\n/start - introduction\n/help - this message"
	ackMessage   = "Got it, analyzing the product. I'll reply here when the report is ready (usually under a minute)."
)

// FormatAnalysis renders the completed report as a chat message.
func FormatAnalysis(res *domain.AnalysisResult) string {
	var b strings.Builder
	if res.Title != "" {
		fmt.Fprintf(&b, "%s\n", res.Title)
	}
	if res.Price != "" {
		fmt.Fprintf(&b, "Price: %s\n", res.Price)
	}
	fmt.Fprintf(&b, "Value score: %.1f/10 (%s)\n", res.ValueScore, res.Recommendation)
	if res.ReviewCount > 0 {
		fmt.Fprintf(&b, "Based on %d reviews (sentiment %.1f/5)\n", res.ReviewCount, res.Sentiment)
	}
	if len(res.Pros) > 0 {
		b.WriteString("\nPros:\n")
		for _, p := range res.Pros {
			fmt.Fprintf(&b, "  + %s\n", p)
		}
	}
	if len(res.Cons) > 0 {
		b.WriteString("\nCons:\n")
		for _, c := range res.Cons {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
