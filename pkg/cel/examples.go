package cel

// FilterExpressionExamples are sample ingest filters for the webhook.
var FilterExpressionExamples = map[string]string{
	"drop_test_domain":   `!recipient.endsWith("@test.example.com")`,
	"only_lifecycle":     `event in ["sent", "delivered", "opened", "clicked", "bounced", "blocked"]`,
	"hard_bounces_only":  `event != "bounced" || extra.bounce_type == "hard"`,
	"skip_proxy_opens":   `!(has(extra.provider_event) && extra.provider_event == "proxy_open")`,
	"subject_prefix":     `subject.startsWith("[Newsletter]")`,
	"after_cutover":      `timestamp.getFullYear() >= 2024`,
	"webhook_source":     `source == "webhook"`,
	"complex_logic":      `(event == "clicked" || event == "opened") && !recipient.endsWith("@internal.example.com")`,
	"has_click_url":      `event != "clicked" || has(extra.click_url)`,
	"exclude_message_id": `external_id != "<seed@relay>"`,
}
