package events

import (
	"strings"
)

// Classification is the result of mapping a provider event name or log
// status text onto the canonical vocabulary.
type Classification struct {
	Type         Type
	Extra        map[string]interface{}
	Unclassified bool
}

type mapping struct {
	typ        Type
	bounceType string
}

// Brevo transactional webhook event names.
var webhookNames = map[string]mapping{
	"request":       {typ: TypeSent},
	"delivered":     {typ: TypeDelivered},
	"hard_bounce":   {typ: TypeBounced, bounceType: BounceHard},
	"soft_bounce":   {typ: TypeBounced, bounceType: BounceSoft},
	"blocked":       {typ: TypeBlocked},
	"invalid_email": {typ: TypeBlocked},
	"error":         {typ: TypeBlocked},
	"spam":          {typ: TypeSpam},
	"unsubscribe":   {typ: TypeUnsubscribed},
	"unsubscribed":  {typ: TypeUnsubscribed},
	"opened":        {typ: TypeOpened},
	"unique_opened": {typ: TypeOpened},
	"proxy_open":    {typ: TypeOpened},
	"click":         {typ: TypeClicked},
	"deferred":      {typ: TypeDeferred},
}

// Status texts of the Brevo transactional log export (Italian locale),
// keyed lower-case.
var logStatuses = map[string]mapping{
	"inviata":              {typ: TypeSent},
	"consegnata":           {typ: TypeDelivered},
	"aperta":               {typ: TypeOpened},
	"prima apertura":       {typ: TypeOpened},
	"caricata per procura": {typ: TypeOpened},
	"cliccata":             {typ: TypeClicked},
	"bloccata":             {typ: TypeBlocked},
	"rinviata":             {typ: TypeDeferred},
	"soft bounce":          {typ: TypeBounced, bounceType: BounceSoft},
	"hard bounce":          {typ: TypeBounced, bounceType: BounceHard},
	"disiscritto":          {typ: TypeUnsubscribed},
	"disiscrizione":        {typ: TypeUnsubscribed},
	"spam":                 {typ: TypeSpam},
	"segnalata come spam":  {typ: TypeSpam},
	"indirizzo non valido": {typ: TypeBlocked},
	"errore":               {typ: TypeBlocked},
}

// ClassifyWebhookEvent maps a Brevo webhook event name.
func ClassifyWebhookEvent(name string) Classification {
	return classify(webhookNames, strings.ToLower(strings.TrimSpace(name)))
}

// ClassifyLogStatus maps a status text from the historical log export.
func ClassifyLogStatus(text string) Classification {
	return classify(logStatuses, strings.ToLower(strings.TrimSpace(text)))
}

// classify looks the name up in table. Names missing from the table pass
// through as the canonical type of the same spelling and are flagged
// unclassified; Validate rejects them when that spelling is not a canonical
// type either.
func classify(table map[string]mapping, key string) Classification {
	if m, ok := table[key]; ok {
		c := Classification{Type: m.typ}
		if m.bounceType != "" {
			c.Extra = map[string]interface{}{ExtraBounceType: m.bounceType}
		}
		return c
	}
	return Classification{Type: Type(key), Unclassified: true}
}
