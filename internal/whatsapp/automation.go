package whatsapp

import (
	"strings"
	"unicode"

	"github.com/basecommerce/platform/internal/whatsapp/provider"
)

// Detected intents.
const (
	IntentQuote       = "quote"
	IntentOrderStatus = "order_status"
	IntentTalkToHuman = "talk_to_human"
)

// Quick-reply button payloads used in interactive messages.
const (
	ButtonQuote  = "btn_quote"
	ButtonStatus = "btn_status"
	ButtonHuman  = "btn_human"
)

// Detection kinds.
const (
	DetectOptOut = "optout"
	DetectIntent = "intent"
	DetectNone   = "none"
)

var optOutKeywords = map[string]bool{
	"stop": true, "sair": true, "cancelar": true, "parar": true,
	"remover": true, "unsubscribe": true, "descadastrar": true,
}

var intentKeywords = map[string]string{
	"orçamento": IntentQuote, "orcamento": IntentQuote,
	"cotação": IntentQuote, "cotacao": IntentQuote,
	"preço": IntentQuote, "preco": IntentQuote, "quote": IntentQuote,

	"pedido": IntentOrderStatus, "status": IntentOrderStatus,
	"entrega": IntentOrderStatus, "rastrear": IntentOrderStatus,

	"atendente": IntentTalkToHuman, "humano": IntentTalkToHuman,
	"ajuda": IntentTalkToHuman,
}

var buttonIntents = map[string]string{
	ButtonQuote:  IntentQuote,
	ButtonStatus: IntentOrderStatus,
	ButtonHuman:  IntentTalkToHuman,
}

// Detection is the automation outcome for one inbound message.
type Detection struct {
	Kind   string
	Intent string
}

// Detect classifies an inbound message. Opt-out keywords win over intents;
// button payloads win over free text. Matching is case-insensitive on whole
// words.
func Detect(text, buttonPayload string) Detection {
	if intent, ok := buttonIntents[buttonPayload]; ok {
		return Detection{Kind: DetectIntent, Intent: intent}
	}

	for _, word := range tokenize(text) {
		if optOutKeywords[word] {
			return Detection{Kind: DetectOptOut}
		}
	}
	for _, word := range tokenize(text) {
		if intent, ok := intentKeywords[word]; ok {
			return Detection{Kind: DetectIntent, Intent: intent}
		}
	}
	return Detection{Kind: DetectNone}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// AutoReply is a canned response chosen by the automation layer.
type AutoReply struct {
	Type    string
	Body    string
	Buttons []provider.Button
}

// Auto-reply types.
const (
	ReplyWelcome         = "welcome"
	ReplyReceived        = "received"
	ReplyOptOutConfirmed = "optout_confirmed"
	ReplyHumanRequested  = "human_requested"
)

var defaultButtons = []provider.Button{
	{ID: ButtonQuote, Title: "Pedir orçamento"},
	{ID: ButtonStatus, Title: "Status do pedido"},
	{ID: ButtonHuman, Title: "Falar com atendente"},
}

// BuildAutoReply renders one of the canned replies, substituting {name} with
// the customer name when known.
func BuildAutoReply(replyType, customerName string) AutoReply {
	name := customerName
	if name == "" {
		name = "cliente"
	}
	render := func(body string) string {
		return strings.ReplaceAll(body, "{name}", name)
	}

	switch replyType {
	case ReplyWelcome:
		return AutoReply{
			Type:    ReplyWelcome,
			Body:    render("Olá, {name}! Como podemos ajudar?"),
			Buttons: defaultButtons,
		}
	case ReplyOptOutConfirmed:
		return AutoReply{
			Type: ReplyOptOutConfirmed,
			Body: "Você não receberá mais mensagens. Para voltar, envie VOLTAR.",
		}
	case ReplyHumanRequested:
		return AutoReply{
			Type: ReplyHumanRequested,
			Body: render("Certo, {name}! Um atendente vai falar com você em breve."),
		}
	default:
		return AutoReply{
			Type: ReplyReceived,
			Body: "Recebemos sua mensagem e retornaremos em breve.",
		}
	}
}

// ChooseAutoReply picks the reply for a plain inbound message: welcome on a
// brand-new conversation, an acknowledgment when the tenant keeps auto-reply
// on, nothing otherwise.
func ChooseAutoReply(conversationCreated, autoReplyEnabled bool, customerName string) (AutoReply, bool) {
	if conversationCreated {
		return BuildAutoReply(ReplyWelcome, customerName), true
	}
	if autoReplyEnabled {
		return BuildAutoReply(ReplyReceived, customerName), true
	}
	return AutoReply{}, false
}
